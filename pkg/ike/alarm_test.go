package ike

import (
	"testing"
	"time"

	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// lateScheduler 的 Cancel 无法撤回定时器，等同于回调已投递到工作协程后才取消
type lateScheduler struct{ *sa.ManualScheduler }

type uncancellable struct{}

func (uncancellable) Cancel() {}

func (l lateScheduler) Schedule(d time.Duration, fn func()) sa.Alarm {
	l.ManualScheduler.Schedule(d, fn)
	return uncancellable{}
}

func withLateAlarms(h *harness) {
	h.s.alarms = &workerAlarms{s: h.s, base: lateScheduler{h.sched}}
}

func TestCancelledRetransmitDoesNotRunLate(t *testing.T) {
	h := newHarness(t, testParams())
	withLateAlarms(h)

	h.s.enqueue(request.IKERequest{Cmd: request.CmdDPD}, false)
	h.deliver(h.respond(h.peer, h.lastSent(h.peer), nil))
	h.wantState(Idle)
	sent := len(h.tr.packets())

	h.sched.Advance(10 * time.Second)
	h.wantState(Idle)
	if got := len(h.tr.packets()); got != sent {
		t.Fatalf("响应之后不应再重传，实际多发送 %d 个包", got-sent)
	}
	if len(h.cb.errs) != 0 || h.cb.closed != 0 {
		t.Fatalf("会话不应关闭: errs=%v closed=%d", h.cb.errs, h.cb.closed)
	}
}

func TestRetransmitterIgnoresFinishedRequest(t *testing.T) {
	h := newHarness(t, testParams())
	h.s.enqueue(request.IKERequest{Cmd: request.CmdDPD}, false)
	r := h.s.pending.retrans
	h.deliver(h.respond(h.peer, h.lastSent(h.peer), nil))
	sent := len(h.tr.packets())

	for i := 0; i < 3; i++ {
		r.fire()
	}
	h.wantState(Idle)
	if got := len(h.tr.packets()); got != sent || r.attempt != 0 {
		t.Fatalf("已完成的请求不应重传: sent=%d attempt=%d", got-sent, r.attempt)
	}
}

func TestCancelledDPDDoesNotClobberNewAlarm(t *testing.T) {
	p := testParams()
	p.DPDDelay = 30 * time.Second
	h := newHarness(t, p)
	withLateAlarms(h)

	h.s.armDPD()
	h.sched.Advance(20 * time.Second)
	// 收到有效消息后重新计时，旧定时器在 30s 到期
	h.s.armDPD()
	h.sched.Advance(15 * time.Second)
	h.wantState(Idle)
	if h.s.dpdAlarm == nil {
		t.Fatalf("过期的 DPD 回调不应清除新的定时器")
	}

	h.sched.Advance(15 * time.Second)
	h.wantState(DpdIkeLocalInfo)
	if got := len(h.tr.packets()); got != 1 {
		t.Fatalf("只应发送一次 DPD，实际 %d", got)
	}
}
