package child

import (
	"errors"
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
	"github.com/iniwex5/ike-go/pkg/task"
)

const (
	// DefaultRekeyRetryInterval 重协商被对端拒绝后的重试间隔
	DefaultRekeyRetryInterval = 15 * time.Second
	// DefaultRekeyDeleteTimeout 对端发起重协商后等待其删除旧 SA 的时间
	DefaultRekeyDeleteTimeout = 180 * time.Second
	// 本地过程因 Child 正忙而推迟时的重试间隔
	localRequestRetryDelay = time.Second
)

// Params Child 会话配置
type Params struct {
	// Proposals ESP 提议，含 DH 变换时创建和重协商使用 PFS
	Proposals []*ikev2.Proposal
	LocalTS   []*ikev2.TrafficSelector
	RemoteTS  []*ikev2.TrafficSelector
	// Transport 请求传输模式
	Transport bool

	SoftLifetime time.Duration
	HardLifetime time.Duration

	// 第一个 Child 通过 CP 请求内部地址
	RequestIPv4 bool
	RequestIPv6 bool

	RekeyRetryInterval time.Duration
	RekeyDeleteTimeout time.Duration
}

// DefaultParams 全流量隧道，请求 IPv4 内部地址
func DefaultParams() *Params {
	return &Params{
		Proposals: ikev2.DefaultESPProposals(),
		LocalTS: []*ikev2.TrafficSelector{
			ikev2.TrafficSelectorFromPrefix(netip.MustParsePrefix("0.0.0.0/0")),
		},
		RemoteTS: []*ikev2.TrafficSelector{
			ikev2.TrafficSelectorFromPrefix(netip.MustParsePrefix("0.0.0.0/0")),
		},
		SoftLifetime:       7 * time.Minute,
		HardLifetime:       8 * time.Minute,
		RequestIPv4:        true,
		RekeyRetryInterval: DefaultRekeyRetryInterval,
		RekeyDeleteTimeout: DefaultRekeyDeleteTimeout,
	}
}

func (p *Params) Validate() error {
	if len(p.Proposals) == 0 {
		return errors.New("缺少 ESP 提议")
	}
	for _, prop := range p.Proposals {
		if prop.ProtocolID != ikev2.ProtoESP {
			return errors.New("Child 提议必须是 ESP")
		}
	}
	if len(p.LocalTS) == 0 || len(p.RemoteTS) == 0 {
		return errors.New("缺少流量选择器")
	}
	if p.HardLifetime > 0 && p.SoftLifetime >= p.HardLifetime {
		return errors.New("软生命周期必须小于硬生命周期")
	}
	return nil
}

func (p *Params) withDefaults() *Params {
	c := *p
	if c.RekeyRetryInterval <= 0 {
		c.RekeyRetryInterval = DefaultRekeyRetryInterval
	}
	if c.RekeyDeleteTimeout <= 0 {
		c.RekeyDeleteTimeout = DefaultRekeyDeleteTimeout
	}
	return &c
}

// Configuration Child 建立后交给用户的配置
type Configuration struct {
	InternalAddresses []netip.Prefix
	DNSServers        []netip.Addr
	PCSCFServers      []netip.Addr
	LocalTS           []*ikev2.TrafficSelector
	RemoteTS          []*ikev2.TrafficSelector
	Transport         bool
}

// Callback 用户回调，经 task.Sink 执行
type Callback interface {
	OnOpened(cfg *Configuration)
	OnClosed()
	OnClosedExceptionally(err error)
	OnIPSecTransformCreated(t *sa.IPsecTransform, dir sa.Direction)
	OnIPSecTransformDeleted(t *sa.IPsecTransform, dir sa.Direction)
}

// Parent IKE 会话提供给 Child 的调度表
// Child 只持有自己的句柄，不持有 IKE 会话
type Parent interface {
	// OnOutboundPayloadsReady 载荷由 IKE 会话加密后作为请求或响应发送
	OnOutboundPayloadsReady(h request.ChildHandle, exchange ikev2.ExchangeType, isResp bool, payloads []ikev2.Payload)
	// OnProcedureFinished 本地发起的过程结束
	OnProcedureFinished(h request.ChildHandle)
	OnChildSaCreated(h request.ChildHandle, remoteSPI uint32)
	OnChildSaDeleted(h request.ChildHandle, remoteSPI uint32)
	OnChildSessionClosed(h request.ChildHandle)
	EnqueueLocalRequest(r request.ChildRequest)
	Endpoints() sa.Endpoints
}

// Deps IKE 会话与 Child 共享的资源
type Deps struct {
	SPIs *sa.Generator
	// Alarms 回调必须在工作协程中执行
	Alarms sa.AlarmScheduler
	Sink   task.Sink
	// Rand nonce 与 DH 私钥的随机源，nil 时使用 crypto/rand
	Rand   io.Reader
	Logger *zap.Logger
}

// RequestKind 对端请求的种类
type RequestKind int

const (
	RequestCreate RequestKind = iota + 1
	RequestRekey
	RequestDelete
)

func (k RequestKind) String() string {
	switch k {
	case RequestCreate:
		return "CREATE"
	case RequestRekey:
		return "REKEY"
	case RequestDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}
