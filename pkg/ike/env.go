package ike

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvConfig 从 IKE_ 前缀的环境变量读取的配置
type EnvConfig struct {
	Remote   string `envconfig:"REMOTE" required:"true"`
	Listen   string `envconfig:"LISTEN" default:"0.0.0.0:500"`
	LocalID  string `envconfig:"LOCAL_ID" required:"true"`
	RemoteID string `envconfig:"REMOTE_ID"`

	// AuthMethod psk 或 eap-aka
	AuthMethod string `envconfig:"AUTH" default:"psk"`
	PSK        string `envconfig:"PSK"`
	EAPOnly    bool   `envconfig:"EAP_ONLY"`

	SoftLifetime      time.Duration `envconfig:"SOFT_LIFETIME" default:"20h"`
	HardLifetime      time.Duration `envconfig:"HARD_LIFETIME" default:"24h"`
	DPDDelay          time.Duration `envconfig:"DPD_DELAY" default:"2m"`
	FragmentSize      int           `envconfig:"FRAGMENT_SIZE" default:"1280"`
	RetransmitRetries int           `envconfig:"RETRANSMIT_RETRIES" default:"5"`
	RetransmitTimeout time.Duration `envconfig:"RETRANSMIT_TIMEOUT" default:"4s"`

	RequestIPv4 bool `envconfig:"REQUEST_IPV4" default:"true"`
	RequestIPv6 bool `envconfig:"REQUEST_IPV6"`

	// SIM 参数，EAP-AKA 时使用软 SIM
	IMSI string `envconfig:"SIM_IMSI"`
	Ki   string `envconfig:"SIM_KI"`
	OPc  string `envconfig:"SIM_OPC"`
	MCC  string `envconfig:"SIM_MCC"`
	MNC  string `envconfig:"SIM_MNC"`

	// EAPIdentity 为空时由 IMSI 构造永久 NAI
	EAPIdentity string `envconfig:"EAP_IDENTITY"`

	XFRM  bool   `envconfig:"XFRM"`
	NetNS string `envconfig:"NETNS"`

	// Iface 配置内部地址与路由的网卡，为空时不改动网络配置
	Iface             string        `envconfig:"IFACE"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"20s"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadEnvConfig 读取环境变量
func LoadEnvConfig() (*EnvConfig, error) {
	var c EnvConfig
	if err := envconfig.Process("IKE", &c); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}
	return &c, nil
}

// Apply 把环境配置写入 p，EAP 认证器由调用方设置
func (c *EnvConfig) Apply(p *SessionParams) error {
	remote, err := netip.ParseAddrPort(c.Remote)
	if err != nil {
		return fmt.Errorf("IKE_REMOTE 非法: %w", err)
	}
	p.Remote = remote
	p.LocalID = c.LocalID
	p.RemoteID = c.RemoteID

	switch c.AuthMethod {
	case "psk":
		p.Auth = AuthConfig{Method: AuthPSK, PSK: []byte(c.PSK)}
	case "eap-aka":
		p.Auth.Method = AuthEAP
		p.Auth.EAPOnly = c.EAPOnly
		if c.PSK != "" {
			// 对端使用共享密钥认证时校验
			p.Auth.PSK = []byte(c.PSK)
		}
	default:
		return fmt.Errorf("未知认证方式 %q", c.AuthMethod)
	}

	p.SoftLifetime = c.SoftLifetime
	p.HardLifetime = c.HardLifetime
	p.DPDDelay = c.DPDDelay
	p.FragmentSize = c.FragmentSize
	rc := DefaultRetryConfig()
	rc.MaxRetries = c.RetransmitRetries
	rc.InitialTimeout = c.RetransmitTimeout
	p.Retransmit = rc
	if p.FirstChild != nil {
		p.FirstChild.RequestIPv4 = c.RequestIPv4
		p.FirstChild.RequestIPv6 = c.RequestIPv6
	}
	return nil
}
