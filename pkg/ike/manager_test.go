package ike

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/sa"
	"github.com/iniwex5/ike-go/pkg/task"
)

func TestManagerOpenAndCloseAll(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Deps{
		Transport: tr,
		Alarms:    sa.NewManualScheduler(),
		Sink:      task.Inline,
		Logger:    zap.NewNop(),
	})
	cb := &ikeCallback{}
	s, err := m.Open(context.Background(), testParams(), cb, nil)
	if err != nil {
		t.Fatalf("打开会话失败: %v", err)
	}
	if got, ok := m.Get(s.ID()); !ok || got != s {
		t.Fatalf("应能按 ID 找到会话")
	}
	if err := m.Close(uuid.New()); err != ErrUnknownSession {
		t.Fatalf("未知会话应返回 ErrUnknownSession，实际 %v", err)
	}

	// 对端不应答，删除请求排在 IKE_SA_INIT 之后，只能等 ctx 到期强制关闭
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.CloseAll(ctx); err == nil {
		t.Fatalf("未能正常删除的会话应返回错误")
	}
	<-s.Done()
	if s.State() != Closed {
		t.Fatalf("会话应已关闭，实际 %s", s.State())
	}
	if cb.closed != 1 {
		t.Fatalf("OnClosed 应调用一次，实际 %d", cb.closed)
	}
	if len(tr.packets()) == 0 {
		t.Fatalf("应已发送 IKE_SA_INIT")
	}
}

func TestManagerRejectsInvalidParams(t *testing.T) {
	m := NewManager(Deps{Transport: newFakeTransport(), Sink: task.Inline})
	p := testParams()
	p.LocalID = ""
	if _, err := m.Open(context.Background(), p, &ikeCallback{}, nil); err == nil {
		t.Fatalf("非法配置应返回错误")
	}
	if m.Len() != 0 {
		t.Fatalf("失败的会话不应登记")
	}
}
