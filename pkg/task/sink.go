// Package task 用户回调的投递
// 协议工作协程只把回调打包成任务交给 Sink，不直接执行用户代码
package task

import (
	"context"
	"sync"
)

type Sink interface {
	Post(fn func())
}

// SinkFunc 函数适配
type SinkFunc func(fn func())

func (f SinkFunc) Post(fn func()) { f(fn) }

// Inline 立即在调用方执行，仅用于测试
var Inline Sink = SinkFunc(func(fn func()) { fn() })

// Serial 单协程按投递顺序执行任务
// 队列不设上限，Post 不会阻塞协议工作协程
type Serial struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSerial buffer 为队列的初始容量
func NewSerial(ctx context.Context, buffer int) *Serial {
	ctx, cancel := context.WithCancel(ctx)
	s := &Serial{
		queue:  make([]func(), 0, buffer),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Serial) loop() {
	defer s.wg.Done()
	for {
		for _, fn := range s.take(false) {
			fn()
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			// 执行已入队的任务后退出
			for _, fn := range s.take(true) {
				fn()
			}
			return
		}
	}
}

func (s *Serial) take(final bool) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	if final {
		s.closed = true
	}
	return q
}

// Post 只入队不等待，Close 之后的任务被丢弃
func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close 执行完已入队的任务后返回
func (s *Serial) Close() {
	s.cancel()
	s.wg.Wait()
}
