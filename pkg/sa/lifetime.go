package sa

import "time"

// LifetimeAlarm SA 的软/硬生命周期
// 软超时触发重协商，硬超时触发删除
type LifetimeAlarm struct {
	sched  AlarmScheduler
	soft   time.Duration
	hard   time.Duration
	onSoft func()
	onHard func()

	softAlarm Alarm
	hardAlarm Alarm
}

// NewLifetimeAlarm soft 为 0 时不做重协商
func NewLifetimeAlarm(sched AlarmScheduler, soft, hard time.Duration, onSoft, onHard func()) *LifetimeAlarm {
	return &LifetimeAlarm{sched: sched, soft: soft, hard: hard, onSoft: onSoft, onHard: onHard}
}

// Schedule 从现在开始重新计时
func (l *LifetimeAlarm) Schedule() {
	l.Cancel()
	if l.soft > 0 && l.onSoft != nil {
		l.softAlarm = l.sched.Schedule(l.soft, l.onSoft)
	}
	if l.hard > 0 && l.onHard != nil {
		l.hardAlarm = l.sched.Schedule(l.hard, l.onHard)
	}
}

// RescheduleSoft 只替换软超时，硬超时保持不变
func (l *LifetimeAlarm) RescheduleSoft(d time.Duration) {
	if l.softAlarm != nil {
		l.softAlarm.Cancel()
		l.softAlarm = nil
	}
	if l.onSoft != nil {
		l.softAlarm = l.sched.Schedule(d, l.onSoft)
	}
}

func (l *LifetimeAlarm) Cancel() {
	if l.softAlarm != nil {
		l.softAlarm.Cancel()
		l.softAlarm = nil
	}
	if l.hardAlarm != nil {
		l.hardAlarm.Cancel()
		l.hardAlarm = nil
	}
}
