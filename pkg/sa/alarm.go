package sa

import (
	"sync"
	"time"
)

// Alarm 已调度的一次性定时器
type Alarm interface {
	// Cancel 取消未触发的定时器，多次调用无副作用
	Cancel()
}

// AlarmScheduler 延迟执行 fn
// 会话引擎中 fn 只负责把事件投递回工作协程
type AlarmScheduler interface {
	Schedule(d time.Duration, fn func()) Alarm
}

type timerAlarm struct {
	t *time.Timer
}

func (a *timerAlarm) Cancel() { a.t.Stop() }

type systemScheduler struct{}

func (systemScheduler) Schedule(d time.Duration, fn func()) Alarm {
	return &timerAlarm{t: time.AfterFunc(d, fn)}
}

// SystemScheduler 基于 time.AfterFunc
func SystemScheduler() AlarmScheduler { return systemScheduler{} }

// ManualScheduler 手动推进时间的调度器，用于测试
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	alarms []*manualAlarm
}

type manualAlarm struct {
	s        *ManualScheduler
	at       time.Duration
	seq      int
	fn       func()
	canceled bool
	fired    bool
}

func (a *manualAlarm) Cancel() {
	a.s.mu.Lock()
	a.canceled = true
	a.s.mu.Unlock()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) Schedule(d time.Duration, fn func()) Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a := &manualAlarm{s: s, at: s.now + d, seq: s.seq, fn: fn}
	s.alarms = append(s.alarms, a)
	return a
}

// Advance 推进时间并按到期顺序触发定时器
// 回调中新调度且在窗口内到期的定时器也会被触发
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var next *manualAlarm
		for _, a := range s.alarms {
			if a.canceled || a.fired || a.at > target {
				continue
			}
			if next == nil || a.at < next.at || (a.at == next.at && a.seq < next.seq) {
				next = a
			}
		}
		if next == nil {
			s.now = target
			s.compact()
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.fn()
	}
}

// Pending 未触发且未取消的定时器到期时间 (相对当前时间)
func (s *ManualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, a := range s.alarms {
		if !a.canceled && !a.fired {
			out = append(out, a.at-s.now)
		}
	}
	return out
}

func (s *ManualScheduler) compact() {
	kept := s.alarms[:0]
	for _, a := range s.alarms {
		if !a.canceled && !a.fired {
			kept = append(kept, a)
		}
	}
	s.alarms = kept
}
