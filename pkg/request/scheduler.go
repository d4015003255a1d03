package request

// Consumer 接收下一个可执行的过程
type Consumer interface {
	OnNewProcedureReady(r Request)
}

// ConsumerFunc 函数适配
type ConsumerFunc func(r Request)

func (f ConsumerFunc) OnNewProcedureReady(r Request) { f(r) }

// Scheduler 本地过程准入队列
// 队首插入的请求按栈序，队尾按 FIFO，且队首请求全部先于已有的队尾请求
// 只有调用 ReadyForNextProcedure 才会投递，非并发安全
type Scheduler struct {
	queue    []Request
	consumer Consumer
}

func NewScheduler(c Consumer) *Scheduler {
	return &Scheduler{consumer: c}
}

func (s *Scheduler) AddRequest(r Request) {
	s.queue = append(s.queue, r)
}

func (s *Scheduler) AddRequestAtFront(r Request) {
	s.queue = append(s.queue, nil)
	copy(s.queue[1:], s.queue)
	s.queue[0] = r
}

// ReadyForNextProcedure 弹出队首交给消费者，队列为空时返回 false
func (s *Scheduler) ReadyForNextProcedure() bool {
	if len(s.queue) == 0 {
		return false
	}
	r := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.consumer.OnNewProcedureReady(r)
	return true
}

func (s *Scheduler) Len() int { return len(s.queue) }

// Drain 清空并返回剩余请求，会话关闭时用于通知等待中的 Child
func (s *Scheduler) Drain() []Request {
	out := s.queue
	s.queue = nil
	return out
}

// Remove 删除满足条件的请求，返回删除数量
func (s *Scheduler) Remove(match func(Request) bool) int {
	kept := s.queue[:0]
	n := 0
	for _, r := range s.queue {
		if match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	return n
}
