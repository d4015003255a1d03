package main

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/iniwex5/ike-go/pkg/ike"
)

func TestNewSoftSIMRequiresCredentials(t *testing.T) {
	cfg := &ike.EnvConfig{IMSI: "001010000000001", Ki: "465b5ce8b199b49faa5f0a2ee238a6bc"}
	if _, err := newSoftSIM(cfg); err == nil {
		t.Fatalf("缺少 OPc 时应失败")
	}
	cfg.OPc = "zz"
	if _, err := newSoftSIM(cfg); err == nil {
		t.Fatalf("非法 OPc 应失败")
	}
	cfg.OPc = "cd63cb71954a9f4e48a5994e37a02baf"
	s, err := newSoftSIM(cfg)
	if err != nil {
		t.Fatalf("创建软 SIM 失败: %v", err)
	}
	if imsi, _ := s.IMSI(); imsi != cfg.IMSI {
		t.Fatalf("IMSI = %s", imsi)
	}
}

func TestClientCloseReason(t *testing.T) {
	c := newClient(zaptest.NewLogger(t), "")
	if !errors.Is(c.closeErr(), errClosedByPeer) {
		t.Fatalf("未收到回调时应返回 errClosedByPeer")
	}
	boom := errors.New("boom")
	c.OnClosedExceptionally(boom)
	c.OnClosed()
	if !errors.Is(c.closeErr(), boom) {
		t.Fatalf("应保留第一个关闭原因")
	}

	// 未配置网卡与 XFRM 时 Child 回调只记录日志
	cb := c.childCB()
	cb.OnClosed()
	cb.OnClosedExceptionally(boom)
}
