// Package ike 实现 IKEv2 发起方的 IKE 会话状态机
// 每个 Session 由一个工作协程串行处理数据包、本地请求与定时器事件
package ike

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/child"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
	"github.com/iniwex5/ike-go/pkg/task"
)

const eventQueueSize = 64

// Callback IKE 会话的用户回调，经 task.Sink 执行
type Callback interface {
	OnOpened(cfg *Configuration)
	OnClosed()
	OnClosedExceptionally(err error)
}

// Configuration IKE SA 建立后交给用户的信息
type Configuration struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	// NATDetected 已切换到 4500 端口
	NATDetected       bool
	PeerFragmentation bool
	RemoteID          string
}

// Deps 会话依赖
type Deps struct {
	Transport Transport
	// SPIs nil 时每个会话独立分配
	SPIs   *sa.Generator
	Alarms sa.AlarmScheduler
	Sink   task.Sink
	// Rand nonce 与 DH 私钥的随机源，nil 时使用 crypto/rand
	Rand    io.Reader
	Logger  *zap.Logger
	Metrics *Metrics
}

// childOpen OpenChildSession 随请求携带的参数
type childOpen struct {
	params *child.Params
	cb     child.Callback
}

type Session struct {
	id      uuid.UUID
	params  *SessionParams
	cb      Callback
	deps    Deps
	alarms  sa.AlarmScheduler
	metrics *Metrics
	log     *zap.Logger
	// firstChildCB IKE_AUTH 中建立的第一个 Child 的回调
	firstChildCB child.Callback

	events    chan event
	done      chan struct{}
	cancel    context.CancelFunc
	startOnce sync.Once
	// inline 事件在投递方同步处理，仅测试使用
	inline bool

	publicState atomic.Int32
	nextHandle  atomic.Uint64

	// 以下字段只在工作协程中访问
	state     State
	scheduler *request.Scheduler
	advancing bool

	local             netip.AddrPort
	remote            netip.AddrPort
	natt              bool
	peerFragmentation bool

	current       *sa.IkeSaRecord
	localInitNew  *sa.IkeSaRecord
	remoteInitNew *sa.IkeSaRecord

	init  *initExchange
	auth  *authExchange
	rekey *rekeyNegotiation
	// 重协商后等待对端删除的 SA，以及删除后接替的 SA
	doomed           *sa.IkeSaRecord
	survivor         *sa.IkeSaRecord
	rekeyDeleteAlarm sa.Alarm
	tempFailure      *request.TempFailureBackoff

	pending   *pendingRequest
	collector *responseCollector

	children    map[request.ChildHandle]*child.Session
	childBySPI  map[uint32]request.ChildHandle
	activeChild request.ChildHandle
	firstChild  *child.Session
	preOpen     []request.Request

	dpdAlarm sa.Alarm
}

// New 校验配置并创建会话，调用 Start 后开始协商
// params.FirstChild 非 nil 时 firstChildCB 必须非 nil
func New(params *SessionParams, cb Callback, firstChildCB child.Callback, deps Deps) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errors.New("缺少 Transport")
	}
	if deps.Sink == nil {
		return nil, errors.New("缺少回调 Sink")
	}
	if params.FirstChild != nil && firstChildCB == nil {
		return nil, errors.New("缺少第一个 Child 的回调")
	}
	s := newSession(params, cb, firstChildCB, deps)
	s.events = make(chan event, eventQueueSize)
	return s, nil
}

func newSession(params *SessionParams, cb Callback, firstChildCB child.Callback, deps Deps) *Session {
	if deps.Rand == nil {
		deps.Rand = rand.Reader
	}
	if deps.SPIs == nil {
		deps.SPIs = sa.NewGenerator(deps.Rand)
	}
	if deps.Alarms == nil {
		deps.Alarms = sa.SystemScheduler()
	}
	s := &Session{
		id:      uuid.New(),
		params:  params.withDefaults(),
		cb:      cb,
		deps:    deps,
		metrics: deps.Metrics,
		done:    make(chan struct{}),
		state:   Initial,
		remote:  params.Remote,

		firstChildCB: firstChildCB,

		children:   make(map[request.ChildHandle]*child.Session),
		childBySPI: make(map[uint32]request.ChildHandle),
		tempFailure: request.NewTempFailureBackoff(request.DefaultTempFailureInitial,
			request.DefaultTempFailureMax, request.DefaultTempFailureWindow, nil),
	}
	s.log = logger.OrNop(deps.Logger).Named("ike").With(logger.String("session", s.id.String()))
	s.alarms = &workerAlarms{s: s, base: deps.Alarms}
	s.scheduler = request.NewScheduler(request.ConsumerFunc(s.executeRequest))
	s.local = deps.Transport.LocalAddr()
	return s
}

// workerAlarms 定时器到期后把回调投递回工作协程
type workerAlarms struct {
	s    *Session
	base sa.AlarmScheduler
}

// Schedule 取消标记在工作协程上检查，已投递但尚未执行的回调在 Cancel 之后不再运行
func (w *workerAlarms) Schedule(d time.Duration, fn func()) sa.Alarm {
	a := &workerAlarm{}
	a.base = w.base.Schedule(d, func() {
		w.s.post(alarmEvent{fn: func() {
			if a.cancelled.Load() {
				return
			}
			fn()
		}})
	})
	return a
}

type workerAlarm struct {
	base      sa.Alarm
	cancelled atomic.Bool
}

func (a *workerAlarm) Cancel() {
	a.cancelled.Store(true)
	a.base.Cancel()
}

func (s *Session) ID() uuid.UUID { return s.id }

// State 最近一次状态切换的结果，可在任意协程调用
func (s *Session) State() State { return State(s.publicState.Load()) }

// Done 会话关闭且工作协程退出后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Start 启动工作协程并发起 IKE_SA_INIT，ctx 取消时会话被强制关闭
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(ctx)
		s.post(localRequestEvent{req: request.IKERequest{Cmd: request.CmdCreateIKE}, front: true})
	})
}

// Close 删除 IKE SA 后关闭
func (s *Session) Close() {
	s.post(localRequestEvent{req: request.IKERequest{Cmd: request.CmdDeleteIKE}})
}

// Kill 立即关闭，不通知对端
func (s *Session) Kill() {
	s.post(killEvent{})
}

// OpenChildSession 通过 CREATE_CHILD_SA 建立新的 Child 会话
func (s *Session) OpenChildSession(params *child.Params, cb child.Callback) (request.ChildHandle, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	if s.State() == Closed {
		return 0, ErrSessionClosed
	}
	h := s.allocHandle()
	s.post(localRequestEvent{req: request.ChildRequest{
		Cmd:    request.CmdCreateChild,
		Child:  h,
		Params: &childOpen{params: params, cb: cb},
	}})
	return h, nil
}

func (s *Session) CloseChildSession(h request.ChildHandle) {
	s.post(localRequestEvent{req: request.ChildRequest{Cmd: request.CmdDeleteChild, Child: h}})
}

// ReceivePacket 由 Transport 调用
func (s *Session) ReceivePacket(pkt []byte, src netip.AddrPort) {
	s.post(packetEvent{pkt: pkt, src: src})
}

func (s *Session) post(ev event) {
	if s.inline {
		s.handle(ev)
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.handle(killEvent{})
			return
		case ev := <-s.events:
			s.handle(ev)
		}
		if s.state == Closed {
			return
		}
	}
}

func (s *Session) handle(ev event) {
	if s.state == Closed {
		return
	}
	switch e := ev.(type) {
	case packetEvent:
		s.handlePacket(e.pkt, e.src)
	case localRequestEvent:
		s.enqueue(e.req, e.front)
	case alarmEvent:
		e.fn()
	case killEvent:
		s.log.Info("会话被强制关闭")
		s.closeSession(nil)
	}
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	s.log.Debug("状态切换", logger.Stringer("from", s.state), logger.Stringer("to", to))
	s.metrics.transition(s.state, to)
	s.state = to
	s.publicState.Store(int32(to))
}

// toIdle 回到 Idle 并执行下一个排队的过程，必须是处理流程的最后一步
func (s *Session) toIdle() {
	s.transition(Idle)
	s.maybeNextProcedure()
}

func (s *Session) enqueue(r request.Request, front bool) {
	if front {
		s.scheduler.AddRequestAtFront(r)
	} else {
		s.scheduler.AddRequest(r)
	}
	s.maybeNextProcedure()
}

// maybeNextProcedure 空闲时逐个取出本地过程，同步完成的过程会继续取下一个
func (s *Session) maybeNextProcedure() {
	if s.advancing {
		return
	}
	s.advancing = true
	defer func() { s.advancing = false }()
	for (s.state == Idle || s.state == Initial) && s.pending == nil {
		if !s.scheduler.ReadyForNextProcedure() {
			return
		}
	}
}

func (s *Session) executeRequest(r request.Request) {
	s.log.Debug("执行本地过程", logger.Stringer("req", r))
	if s.state == Initial {
		if ir, ok := r.(request.IKERequest); !ok || ir.Cmd != request.CmdCreateIKE {
			// IKE SA 建立前只能发起 IKE_SA_INIT，其余过程等建立后按原顺序执行
			s.preOpen = append(s.preOpen, r)
			return
		}
	}
	switch r := r.(type) {
	case request.IKERequest:
		switch r.Cmd {
		case request.CmdCreateIKE:
			s.startInit()
		case request.CmdRekeyIKE:
			s.startRekey()
		case request.CmdDeleteIKE:
			s.startDelete()
		case request.CmdDPD:
			s.startDPD()
		}
	case request.ChildRequest:
		s.executeChildRequest(r)
	}
}

// closeSession 唯一的终结路径: 取消定时器、关闭所有记录与 Child、回调一次用户
func (s *Session) closeSession(err error) {
	if s.state == Closed {
		return
	}
	s.stopPending()
	s.cancelDPD()
	s.cancelRekeyDeleteAlarm()
	s.collector = nil

	for _, h := range s.childHandles() {
		s.children[h].KillSession()
	}
	s.children = make(map[request.ChildHandle]*child.Session)
	s.childBySPI = make(map[uint32]request.ChildHandle)

	if s.init != nil {
		s.init.release(s)
		s.init = nil
	}
	if s.rekey != nil {
		s.rekey.release()
		s.rekey = nil
	}
	for _, r := range []*sa.IkeSaRecord{s.current, s.localInitNew, s.remoteInitNew, s.doomed, s.survivor} {
		s.retireRecord(r)
	}
	s.current, s.localInitNew, s.remoteInitNew, s.doomed, s.survivor = nil, nil, nil, nil, nil
	if dropped := s.scheduler.Drain(); len(dropped) > 0 {
		s.log.Debug("丢弃未执行的本地过程", logger.Int("count", len(dropped)))
	}

	s.transition(Closed)
	s.metrics.closed(err)
	if err != nil {
		s.log.Warn("IKE 会话异常关闭", logger.Err(err))
		s.deps.Sink.Post(func() { s.cb.OnClosedExceptionally(err) })
	} else {
		s.log.Info("IKE 会话已关闭")
		s.deps.Sink.Post(s.cb.OnClosed)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// fatal 尽力通知对端删除后关闭
func (s *Session) fatal(err error) {
	if s.state == Closed {
		return
	}
	if s.current != nil && !s.current.Closed() {
		s.sendDeleteBestEffort(s.current)
	}
	s.closeSession(err)
}

// retireRecord 注销 SPI 分发并关闭记录
func (s *Session) retireRecord(r *sa.IkeSaRecord) {
	if r == nil || r.Closed() {
		return
	}
	s.deps.Transport.UnregisterIKE(r.LocalSPI())
	r.Close()
}

func (s *Session) childHandles() []request.ChildHandle {
	hs := make([]request.ChildHandle, 0, len(s.children))
	for h := range s.children {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// newIkeLifetime 软超时重协商，硬超时删除
func (s *Session) newIkeLifetime(rec **sa.IkeSaRecord) *sa.LifetimeAlarm {
	return sa.NewLifetimeAlarm(s.alarms, s.params.SoftLifetime, s.params.HardLifetime,
		func() {
			if *rec == s.current {
				s.enqueue(request.IKERequest{Cmd: request.CmdRekeyIKE}, false)
			}
		},
		func() {
			if *rec == s.current {
				s.log.Warn("IKE SA 硬生命周期到期")
				s.enqueue(request.IKERequest{Cmd: request.CmdDeleteIKE}, true)
			}
		})
}

// armDPD 收到有效消息后重新计时
func (s *Session) armDPD() {
	s.cancelDPD()
	if s.params.DPDDelay <= 0 || !s.state.established() {
		return
	}
	s.dpdAlarm = s.alarms.Schedule(s.params.DPDDelay, func() {
		s.dpdAlarm = nil
		s.enqueue(request.IKERequest{Cmd: request.CmdDPD}, false)
	})
}

func (s *Session) cancelDPD() {
	if s.dpdAlarm != nil {
		s.dpdAlarm.Cancel()
		s.dpdAlarm = nil
	}
}

func (s *Session) cancelRekeyDeleteAlarm() {
	if s.rekeyDeleteAlarm != nil {
		s.rekeyDeleteAlarm.Cancel()
		s.rekeyDeleteAlarm = nil
	}
}

func (s *Session) configuration() *Configuration {
	cfg := &Configuration{
		Local:             s.local,
		Remote:            s.remote,
		NATDetected:       s.natt,
		PeerFragmentation: s.peerFragmentation,
	}
	if s.auth != nil {
		cfg.RemoteID = s.auth.remoteID
	}
	return cfg
}

// newTestSession 直接构造处于指定状态的会话，事件在投递方同步处理，仅用于测试
func newTestSession(params *SessionParams, cb Callback, firstChildCB child.Callback, deps Deps, st State) *Session {
	s := newSession(params, cb, firstChildCB, deps)
	s.inline = true
	s.state = st
	s.publicState.Store(int32(st))
	return s
}
