package ike

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfigApply(t *testing.T) {
	setEnv(t, map[string]string{
		"IKE_REMOTE":             "198.51.100.1:500",
		"IKE_LOCAL_ID":           "client@example.com",
		"IKE_PSK":                "secret",
		"IKE_DPD_DELAY":          "45s",
		"IKE_RETRANSMIT_RETRIES": "3",
		"IKE_REQUEST_IPV6":       "true",
	})
	c, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("读取环境变量失败: %v", err)
	}
	p := DefaultSessionParams()
	if err := c.Apply(p); err != nil {
		t.Fatalf("应用配置失败: %v", err)
	}

	if p.Remote != testRemote || p.LocalID != "client@example.com" {
		t.Fatalf("对端或身份不符: %s %s", p.Remote, p.LocalID)
	}
	if diff := cmp.Diff(AuthConfig{Method: AuthPSK, PSK: []byte("secret")}, p.Auth); diff != "" {
		t.Fatalf("认证配置不符 (-want +got):\n%s", diff)
	}
	want := &RetryConfig{MaxRetries: 3, InitialTimeout: 4 * time.Second, BackoffFactor: 1.8}
	if diff := cmp.Diff(want, p.Retransmit); diff != "" {
		t.Fatalf("重传配置不符 (-want +got):\n%s", diff)
	}
	if p.DPDDelay != 45*time.Second || p.SoftLifetime != 20*time.Hour {
		t.Fatalf("时间参数不符: dpd=%s soft=%s", p.DPDDelay, p.SoftLifetime)
	}
	if !p.FirstChild.RequestIPv4 || !p.FirstChild.RequestIPv6 {
		t.Fatalf("第一个 Child 应同时请求 IPv4 与 IPv6")
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("应用后的配置应合法: %v", err)
	}
}

func TestLoadEnvConfigRequired(t *testing.T) {
	for _, k := range []string{"IKE_REMOTE", "IKE_LOCAL_ID"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatalf("缺少必填项时应返回错误")
	}
}

func TestEnvConfigApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  EnvConfig
	}{
		{"非法地址", EnvConfig{Remote: "not-an-address", LocalID: "a", AuthMethod: "psk"}},
		{"未知认证方式", EnvConfig{Remote: "198.51.100.1:500", LocalID: "a", AuthMethod: "rsa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Apply(DefaultSessionParams()); err == nil {
				t.Fatalf("应返回错误")
			}
		})
	}
}
