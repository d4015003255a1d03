package request

import (
	"errors"
	"time"
)

// TEMPORARY_FAILURE 退避的默认参数
const (
	DefaultTempFailureInitial = 2 * time.Second
	DefaultTempFailureMax     = time.Minute
	DefaultTempFailureWindow  = 5 * time.Minute
)

// ErrTempFailureWindowExceeded 对端持续返回 TEMPORARY_FAILURE 超出重试窗口
var ErrTempFailureWindowExceeded = errors.New("TEMPORARY_FAILURE 重试超出窗口")

// TempFailureBackoff 对端返回 TEMPORARY_FAILURE 后重试同一过程的退避
// 延迟按倍数增长并封顶，从第一次失败起超过 Window 后放弃
type TempFailureBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Window  time.Duration

	now     func() time.Time
	started time.Time
	next    time.Duration
}

func NewTempFailureBackoff(initial, max, window time.Duration, now func() time.Time) *TempFailureBackoff {
	if now == nil {
		now = time.Now
	}
	return &TempFailureBackoff{Initial: initial, Max: max, Window: window, now: now}
}

// Next 返回下一次重试的延迟，超出窗口时 ok 为 false
func (b *TempFailureBackoff) Next() (d time.Duration, ok bool) {
	t := b.now()
	if b.started.IsZero() {
		b.started = t
		b.next = b.Initial
	}
	if t.Sub(b.started)+b.next > b.Window {
		return 0, false
	}
	d = b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d, true
}

// Reset 过程成功后清除状态
func (b *TempFailureBackoff) Reset() {
	b.started = time.Time{}
	b.next = 0
}

// Active 是否处于退避过程中
func (b *TempFailureBackoff) Active() bool {
	return !b.started.IsZero()
}
