package ike

import (
	"errors"
	"time"

	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// RetryConfig 重传配置
type RetryConfig struct {
	MaxRetries     int           // 最大重传次数
	InitialTimeout time.Duration // 首次等待时间
	MaxTimeout     time.Duration // 单次等待上限，0 表示不限
	BackoffFactor  float64       // 退避因子
}

// DefaultRetryConfig 对齐 strongSwan 默认值 (retransmit_timeout=4s, retransmit_base=1.8, retransmit_tries=5)
// 等待序列: 4s, 7.2s, 12.96s, 23.3s, 42s, 75.6s → 总计约 165s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     5,
		InitialTimeout: 4 * time.Second,
		MaxTimeout:     0,
		BackoffFactor:  1.8,
	}
}

func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("重传次数不能为负")
	}
	if c.InitialTimeout <= 0 {
		return errors.New("重传初始超时必须大于 0")
	}
	if c.BackoffFactor < 1 {
		return errors.New("退避因子不能小于 1")
	}
	return nil
}

// Timeouts 每次发送后的等待时间，共 MaxRetries+1 项，最后一项到期即判定超时
func (c *RetryConfig) Timeouts() []time.Duration {
	out := make([]time.Duration, 0, c.MaxRetries+1)
	d := c.InitialTimeout
	for i := 0; i <= c.MaxRetries; i++ {
		out = append(out, d)
		d = time.Duration(float64(d) * c.BackoffFactor)
		if c.MaxTimeout > 0 && d > c.MaxTimeout {
			d = c.MaxTimeout
		}
	}
	return out
}

// retransmitter 本端请求的重传，收到响应时停止
type retransmitter struct {
	s        *Session
	pkts     [][]byte
	timeouts []time.Duration
	attempt  int
	alarm    sa.Alarm
}

func (s *Session) startRetransmitter(pkts [][]byte) *retransmitter {
	r := &retransmitter{s: s, pkts: pkts, timeouts: s.params.Retransmit.Timeouts()}
	s.transmit(pkts)
	r.arm()
	return r
}

func (r *retransmitter) arm() {
	r.alarm = r.s.alarms.Schedule(r.timeouts[r.attempt], r.fire)
}

func (r *retransmitter) fire() {
	if r.s.pending == nil || r.s.pending.retrans != r {
		return
	}
	r.alarm = nil
	r.attempt++
	if r.attempt >= len(r.timeouts) {
		r.s.log.Warn("请求重传超时", logger.Int("attempts", r.attempt))
		r.s.closeSession(ErrRetransmitTimeout)
		return
	}
	r.s.log.Debug("重传请求", logger.Int("attempt", r.attempt))
	r.s.metrics.retransmitted()
	r.s.transmit(r.pkts)
	r.arm()
}

func (r *retransmitter) stop() {
	if r == nil {
		return
	}
	if r.alarm != nil {
		r.alarm.Cancel()
		r.alarm = nil
	}
}
