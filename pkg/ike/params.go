package ike

import (
	gocrypto "crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/iniwex5/ike-go/pkg/child"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

const (
	// DefaultRekeyRetryInterval IKE 重协商被拒绝后的重试间隔
	DefaultRekeyRetryInterval = 15 * time.Second
	// DefaultRekeyDeleteTimeout 对端重协商后等待其删除旧 IKE SA
	DefaultRekeyDeleteTimeout = 180 * time.Second
	DefaultDPDDelay           = 2 * time.Minute
	// DefaultFragmentSize 加密消息超过该长度且对端支持时分片
	DefaultFragmentSize = 1280

	// IKE_SA_INIT 收到 COOKIE 后最多重发次数
	maxCookieRetries = 2
)

// AuthMethod 本端认证方式
type AuthMethod int

const (
	AuthPSK AuthMethod = iota + 1
	AuthSignature
	AuthEAP
)

func (m AuthMethod) String() string {
	switch m {
	case AuthPSK:
		return "PSK"
	case AuthSignature:
		return "SIGNATURE"
	case AuthEAP:
		return "EAP"
	default:
		return fmt.Sprintf("AuthMethod(%d)", int(m))
	}
}

// EAPAuthenticator 具体 EAP 方法，IKE 会话原样转交 EAP 消息
type EAPAuthenticator interface {
	// Respond 处理一条 EAP Request，返回 EAP Response
	Respond(req []byte) ([]byte, error)
	// MSK EAP 成功后的主会话密钥，方法不导出时为 nil
	MSK() []byte
}

// AuthConfig 本端与对端的认证配置
type AuthConfig struct {
	Method AuthMethod
	// PSK 共享密钥，对端使用共享密钥认证时同样用它校验
	PSK []byte
	// Signer 与 Certificate 用于 RSA/ECDSA 签名认证
	Signer      gocrypto.Signer
	Certificate *x509.Certificate
	// RemoteRoots 校验对端证书，nil 时只校验签名
	RemoteRoots *x509.CertPool
	EAP         EAPAuthenticator
	// EAPOnly 请求对端也只用 EAP 认证 (RFC 5998)
	EAPOnly bool
}

// SessionParams IKE 会话配置
type SessionParams struct {
	Remote    netip.AddrPort
	Proposals []*ikev2.Proposal
	LocalID   string
	// RemoteID 为空时不发送 IDr
	RemoteID string
	Auth     AuthConfig

	Retransmit *RetryConfig

	SoftLifetime       time.Duration
	HardLifetime       time.Duration
	DPDDelay           time.Duration
	RekeyRetryInterval time.Duration
	RekeyDeleteTimeout time.Duration
	// FragmentSize 为 0 时不分片
	FragmentSize int

	// FirstChild 随 IKE_AUTH 建立的 Child
	FirstChild *child.Params
}

// DefaultSessionParams 返回带默认值的配置，调用方补充对端地址与认证信息
func DefaultSessionParams() *SessionParams {
	return &SessionParams{
		Proposals:          ikev2.DefaultIKEProposals(),
		Retransmit:         DefaultRetryConfig(),
		SoftLifetime:       20 * time.Hour,
		HardLifetime:       24 * time.Hour,
		DPDDelay:           DefaultDPDDelay,
		RekeyRetryInterval: DefaultRekeyRetryInterval,
		RekeyDeleteTimeout: DefaultRekeyDeleteTimeout,
		FragmentSize:       DefaultFragmentSize,
		FirstChild:         child.DefaultParams(),
	}
}

func (p *SessionParams) Validate() error {
	if !p.Remote.IsValid() {
		return errors.New("缺少对端地址")
	}
	if len(p.Proposals) == 0 {
		return errors.New("缺少 IKE 提议")
	}
	for _, prop := range p.Proposals {
		if prop.ProtocolID != ikev2.ProtoIKE {
			return errors.New("IKE 提议协议必须是 IKE")
		}
		if len(prop.DHGroups()) == 0 {
			return fmt.Errorf("IKE 提议 #%d 缺少 DH 组", prop.ProposalNum)
		}
	}
	if p.LocalID == "" {
		return errors.New("缺少本端身份")
	}
	switch p.Auth.Method {
	case AuthPSK:
		if len(p.Auth.PSK) == 0 {
			return errors.New("PSK 认证缺少共享密钥")
		}
	case AuthSignature:
		if p.Auth.Signer == nil || p.Auth.Certificate == nil {
			return errors.New("签名认证缺少私钥或证书")
		}
	case AuthEAP:
		if p.Auth.EAP == nil {
			return errors.New("EAP 认证缺少认证器")
		}
	default:
		return fmt.Errorf("未知认证方式 %s", p.Auth.Method)
	}
	if p.HardLifetime > 0 && p.SoftLifetime >= p.HardLifetime {
		return errors.New("软生命周期必须小于硬生命周期")
	}
	if p.Retransmit != nil {
		if err := p.Retransmit.Validate(); err != nil {
			return err
		}
	}
	if p.FirstChild != nil {
		if err := p.FirstChild.Validate(); err != nil {
			return fmt.Errorf("第一个 Child 配置: %w", err)
		}
	}
	return nil
}

func (p *SessionParams) withDefaults() *SessionParams {
	c := *p
	if c.Retransmit == nil {
		c.Retransmit = DefaultRetryConfig()
	}
	if c.RekeyRetryInterval <= 0 {
		c.RekeyRetryInterval = DefaultRekeyRetryInterval
	}
	if c.RekeyDeleteTimeout <= 0 {
		c.RekeyDeleteTimeout = DefaultRekeyDeleteTimeout
	}
	return &c
}

// firstDHGroup IKE_SA_INIT 首次猜测的 DH 组
func (p *SessionParams) firstDHGroup() ikev2.AlgorithmType {
	return p.Proposals[0].DHGroups()[0]
}

func (p *SessionParams) offersGroup(g ikev2.AlgorithmType) bool {
	for _, prop := range p.Proposals {
		for _, dh := range prop.DHGroups() {
			if dh == g {
				return true
			}
		}
	}
	return false
}
