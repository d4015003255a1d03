// Package child 实现 Child SA 的状态机
// 一个 Session 管理一组流量选择器上的 Child SA 及其重协商与删除
// 所有方法都必须在所属 IKE 会话的工作协程中调用
package child

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// nonceLen 本端 nonce 长度
const nonceLen = 32

var ErrInvalidState = errors.New("Child 会话状态不允许该操作")

// KeyExchangeError 响应中的 KE 与请求不一致
type KeyExchangeError struct {
	Msg string
}

func (e *KeyExchangeError) Error() string { return "密钥交换失败: " + e.Msg }

// inboundRequest 等待本端响应时推迟处理的对端请求
type inboundRequest struct {
	kind     RequestKind
	payloads []ikev2.Payload
}

type Session struct {
	handle request.ChildHandle
	parent Parent
	cb     Callback
	params *Params
	deps   Deps
	log    *zap.Logger

	state State
	prf   crypto.PRF
	skD   []byte

	current       *sa.ChildSaRecord
	localInitNew  *sa.ChildSaRecord
	remoteInitNew *sa.ChildSaRecord

	neg      *negotiation
	deferred []inboundRequest

	rekeyDeleteAlarm sa.Alarm
	tempFailure      *request.TempFailureBackoff
	// 本地删除完成后以该错误关闭，nil 为正常关闭
	closeErr   error
	userClosed bool
}

// New prf 与 skD 来自当前 IKE SA
func New(h request.ChildHandle, parent Parent, cb Callback, params *Params, deps Deps, prf crypto.PRF, skD []byte) *Session {
	if deps.Rand == nil {
		deps.Rand = rand.Reader
	}
	return &Session{
		handle: h,
		parent: parent,
		cb:     cb,
		params: params.withDefaults(),
		deps:   deps,
		log:    logger.OrNop(deps.Logger).Named("child").With(logger.Uint64("child", uint64(h))),
		state:  Initial,
		prf:    prf,
		skD:    append([]byte(nil), skD...),
		tempFailure: request.NewTempFailureBackoff(request.DefaultTempFailureInitial,
			request.DefaultTempFailureMax, request.DefaultTempFailureWindow, nil),
	}
}

func (s *Session) Handle() request.ChildHandle { return s.handle }

func (s *Session) State() State { return s.state }

// Current 当前生效的 Child SA，未建立或已关闭时为 nil
func (s *Session) Current() *sa.ChildSaRecord { return s.current }

// SetSkD IKE SA 重协商后更新后续派生使用的 SK_d
func (s *Session) SetSkD(prf crypto.PRF, skD []byte) {
	crypto.ZeroBytes(s.skD)
	s.prf = prf
	s.skD = append([]byte(nil), skD...)
}

// OwnsRemoteSPI 是否为本会话某个 Child SA 的出站 SPI
func (s *Session) OwnsRemoteSPI(spi uint32) bool {
	for _, r := range []*sa.ChildSaRecord{s.current, s.localInitNew, s.remoteInitNew} {
		if r != nil && r.RemoteSPI == spi {
			return true
		}
	}
	return false
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	s.log.Debug("状态切换", logger.Stringer("from", s.state), logger.Stringer("to", to))
	s.state = to
}

// HandleLocalRequest 调度器轮到本会话的本地过程
func (s *Session) HandleLocalRequest(r request.ChildRequest) {
	switch r.Cmd {
	case request.CmdCreateChild:
		s.CreateChildSession()
	case request.CmdRekeyChild:
		s.RekeyChildSession()
	case request.CmdDeleteChild:
		s.DeleteChildSession()
	default:
		s.log.Warn("未知的本地请求", logger.Stringer("req", r))
		s.finish()
	}
}

// ReceiveRequest 处理对端请求，响应通过 Parent.OnOutboundPayloadsReady 发出
func (s *Session) ReceiveRequest(kind RequestKind, payloads []ikev2.Payload) {
	s.log.Debug("收到对端请求", logger.Stringer("kind", kind), logger.Stringer("state", s.state))

	switch s.state {
	case Closed:
		s.respondClosed(kind)
		return
	case Initial:
		s.respondError(ikev2.CREATE_CHILD_SA, &ikev2.ProtocolError{Notify: ikev2.CHILD_SA_NOT_FOUND, Msg: "Child 尚未建立"})
		return
	}

	switch kind {
	case RequestDelete:
		switch s.state {
		case Idle:
			s.handleRemoteDelete(payloads)
		case RekeyChildRemoteDelete:
			s.handleDeleteDuringRemoteRekey(payloads)
		case DeleteChildRemoteDelete:
			s.respondEmpty()
		default:
			// 本端请求未完成，收到响应后再处理
			s.deferred = append(s.deferred, inboundRequest{kind: kind, payloads: payloads})
		}
	case RequestRekey:
		if s.state == Idle {
			s.handleRemoteRekey(payloads)
			return
		}
		// 删除或本端重协商进行中
		s.respondError(ikev2.CREATE_CHILD_SA, ikev2.NewTemporaryFailure("Child 正在 %s", s.state))
	default:
		s.respondError(ikev2.CREATE_CHILD_SA, &ikev2.ProtocolError{Notify: ikev2.NO_ADDITIONAL_SAS})
	}
}

// ReceiveResponse 处理本端请求的响应
func (s *Session) ReceiveResponse(exchange ikev2.ExchangeType, payloads []ikev2.Payload) {
	switch s.state {
	case CreateChildLocalCreate:
		s.handleCreateResponse(payloads)
	case RekeyChildLocalCreate:
		s.handleRekeyResponse(payloads)
	case RekeyChildLocalDelete:
		s.handleRekeyDeleteResponse()
	case DeleteChildLocalDelete:
		s.handleDeleteResponse()
	default:
		s.log.Warn("意外的响应", logger.Stringer("exchange", exchange), logger.Stringer("state", s.state))
	}
}

// KillSession IKE 会话关闭时直接释放全部资源，不再与对端交互
func (s *Session) KillSession() {
	if s.state == Closed {
		return
	}
	s.cancelRekeyDeleteAlarm()
	for _, r := range []*sa.ChildSaRecord{s.current, s.localInitNew, s.remoteInitNew} {
		if r != nil && !r.Closed() {
			s.notifyTransformsDeleted(r)
			r.Close()
		}
	}
	s.current, s.localInitNew, s.remoteInitNew = nil, nil, nil
	s.releaseNegotiation()
	s.deferred = nil
	s.transition(Closed)
	s.notifyUserClosed(nil)
}

// install 新 SA 生效: 先让 IKE 会话登记路由，再交给用户安装
func (s *Session) install(r *sa.ChildSaRecord) {
	s.parent.OnChildSaCreated(s.handle, r.RemoteSPI)
	in, out := r.Inbound.Clone(), r.Outbound.Clone()
	s.deps.Sink.Post(func() {
		s.cb.OnIPSecTransformCreated(in, sa.DirectionIn)
		s.cb.OnIPSecTransformCreated(out, sa.DirectionOut)
	})
	s.log.Info("Child SA 已安装",
		logger.ChildSPI("in", r.LocalSPI()), logger.ChildSPI("out", r.RemoteSPI),
		logger.Stringer("alg", r.Algorithms))
}

// retire 撤销并关闭一个 SA
func (s *Session) retire(r *sa.ChildSaRecord) {
	if r == nil || r.Closed() {
		return
	}
	s.notifyTransformsDeleted(r)
	s.parent.OnChildSaDeleted(s.handle, r.RemoteSPI)
	r.Close()
	s.log.Info("Child SA 已删除", logger.ChildSPI("in", r.LocalSPI()), logger.ChildSPI("out", r.RemoteSPI))
}

func (s *Session) notifyTransformsDeleted(r *sa.ChildSaRecord) {
	in, out := r.Inbound.Clone(), r.Outbound.Clone()
	s.deps.Sink.Post(func() {
		s.cb.OnIPSecTransformDeleted(in, sa.DirectionIn)
		s.cb.OnIPSecTransformDeleted(out, sa.DirectionOut)
	})
}

func (s *Session) notifyUserClosed(err error) {
	if s.userClosed {
		return
	}
	s.userClosed = true
	s.deps.Sink.Post(func() {
		if err != nil {
			s.cb.OnClosedExceptionally(err)
		} else {
			s.cb.OnClosed()
		}
	})
}

// finish 本地过程结束，IKE 会话可以调度下一个
func (s *Session) finish() {
	s.parent.OnProcedureFinished(s.handle)
}

// closeSession 进入 Closed，先处理推迟的请求再通知用户与 IKE 会话
func (s *Session) closeSession(err error) {
	s.cancelRekeyDeleteAlarm()
	s.releaseNegotiation()
	s.transition(Closed)
	s.processDeferred()
	if err != nil {
		s.log.Warn("Child 会话异常关闭", logger.Err(err))
	} else {
		s.log.Info("Child 会话已关闭")
	}
	s.notifyUserClosed(err)
	s.parent.OnChildSessionClosed(s.handle)
}

// processDeferred 状态稳定后依次处理推迟的对端请求
func (s *Session) processDeferred() {
	for len(s.deferred) > 0 && !s.state.awaitingResponse() {
		r := s.deferred[0]
		s.deferred = s.deferred[1:]
		s.ReceiveRequest(r.kind, r.payloads)
	}
}

// retryLater 本会话正忙，稍后重新入队
func (s *Session) retryLater(cmd request.ChildCommand) {
	s.deps.Alarms.Schedule(localRequestRetryDelay, func() {
		s.parent.EnqueueLocalRequest(request.ChildRequest{Cmd: cmd, Child: s.handle})
	})
}

func (s *Session) cancelRekeyDeleteAlarm() {
	if s.rekeyDeleteAlarm != nil {
		s.rekeyDeleteAlarm.Cancel()
		s.rekeyDeleteAlarm = nil
	}
}

func (s *Session) send(exchange ikev2.ExchangeType, payloads []ikev2.Payload) {
	s.parent.OnOutboundPayloadsReady(s.handle, exchange, false, payloads)
}

func (s *Session) respond(exchange ikev2.ExchangeType, payloads []ikev2.Payload) {
	s.parent.OnOutboundPayloadsReady(s.handle, exchange, true, payloads)
}

func (s *Session) respondEmpty() {
	s.respond(ikev2.INFORMATIONAL, nil)
}

// respondError 非协议错误按 NO_PROPOSAL_CHOSEN 回复
func (s *Session) respondError(exchange ikev2.ExchangeType, err error) {
	var pe *ikev2.ProtocolError
	if !errors.As(err, &pe) {
		pe = ikev2.NewNoProposalChosen("%v", err)
	}
	s.log.Info("拒绝对端请求", logger.Err(err))
	s.respond(exchange, []ikev2.Payload{pe.ToNotify()})
}

func (s *Session) respondClosed(kind RequestKind) {
	if kind == RequestDelete {
		s.respondEmpty()
		return
	}
	s.respondError(ikev2.CREATE_CHILD_SA, &ikev2.ProtocolError{Notify: ikev2.CHILD_SA_NOT_FOUND, Msg: "Child 已关闭"})
}

// newLifetime 软超时重协商，硬超时删除
func (s *Session) newLifetime() *sa.LifetimeAlarm {
	enqueue := func(cmd request.ChildCommand) func() {
		return func() {
			s.parent.EnqueueLocalRequest(request.ChildRequest{Cmd: cmd, Child: s.handle})
		}
	}
	return sa.NewLifetimeAlarm(s.deps.Alarms, s.params.SoftLifetime, s.params.HardLifetime,
		enqueue(request.CmdRekeyChild), enqueue(request.CmdDeleteChild))
}

// negotiation 一次创建或重协商中本端生成的材料
type negotiation struct {
	localSPI  *sa.Spi
	nonce     []byte
	ke        crypto.KeyExchange
	proposals []*ikev2.Proposal
	localTS   []*ikev2.TrafficSelector
	remoteTS  []*ikev2.TrafficSelector
	transport bool
}

// release 未转交给 SA 记录的 SPI 归还
func (n *negotiation) release() {
	if n.localSPI != nil && !n.localSPI.Released() {
		n.localSPI.Release()
	}
	n.localSPI = nil
}

func (s *Session) releaseNegotiation() {
	if s.neg != nil {
		s.neg.release()
		s.neg = nil
	}
}

// startNegotiation 分配 SPI 和 nonce，提议含 DH 时生成密钥对
func (s *Session) startNegotiation(proposals []*ikev2.Proposal, withNonce bool) (*negotiation, error) {
	ep := s.parent.Endpoints()
	spi, err := s.deps.SPIs.AllocateChild(ep.Local)
	if err != nil {
		return nil, err
	}
	n := &negotiation{
		localSPI:  spi,
		proposals: ikev2.WithSPI(proposals, spiBytes(spi.Uint32())),
		localTS:   s.params.LocalTS,
		remoteTS:  s.params.RemoteTS,
		transport: s.params.Transport,
	}
	if withNonce {
		if n.nonce, err = crypto.RandomBytesFrom(s.deps.Rand, nonceLen); err != nil {
			n.release()
			return nil, err
		}
	}
	if len(n.proposals) == 0 {
		return n, nil
	}
	if groups := n.proposals[0].DHGroups(); len(groups) > 0 && groups[0] != 0 {
		if n.ke, err = crypto.NewKeyExchangeFrom(uint16(groups[0]), s.deps.Rand); err != nil {
			n.release()
			return nil, err
		}
	}
	return n, nil
}

// requestPayloads CREATE_CHILD_SA 请求，rekeySPI 非 0 时携带 REKEY_SA
func (s *Session) requestPayloads(n *negotiation, rekeySPI uint32) []ikev2.Payload {
	var out []ikev2.Payload
	if rekeySPI != 0 {
		out = append(out, ikev2.NewRekeySANotify(ikev2.ProtoESP, rekeySPI))
	}
	if n.transport {
		out = append(out, ikev2.NewNotify(ikev2.USE_TRANSPORT_MODE, nil))
	}
	out = append(out, &ikev2.SAPayload{Proposals: n.proposals})
	if n.nonce != nil {
		out = append(out, &ikev2.NoncePayload{NonceData: n.nonce})
	}
	if n.ke != nil {
		out = append(out, &ikev2.KEPayload{DHGroup: ikev2.AlgorithmType(n.ke.Group()), KEData: n.ke.PublicKey()})
	}
	out = append(out,
		&ikev2.TSPayload{IsInitiator: true, TrafficSelectors: n.localTS},
		&ikev2.TSPayload{IsInitiator: false, TrafficSelectors: n.remoteTS})
	return out
}

// peerResult 从对端响应中取出的协商结果
type peerResult struct {
	alg          *ikev2.MatchedAlgorithms
	remoteSPI    uint32
	nonce        []byte
	sharedSecret []byte
	tsi, tsr     []*ikev2.TrafficSelector
	transport    bool
}

// validateResponse 校验发起方收到的响应
// peerErr 为对端返回的错误通知，err 为响应本身不合法
func (s *Session) validateResponse(n *negotiation, payloads []ikev2.Payload, expectNonce bool) (res *peerResult, peerErr *ikev2.ProtocolError, err error) {
	if en := ikev2.FirstErrorNotify(payloads); en != nil {
		return nil, ikev2.ErrorFromNotify(en), nil
	}
	saP, ok := ikev2.FindPayload[*ikev2.SAPayload](payloads)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("响应缺少 SA 载荷")
	}
	alg, err := ikev2.ValidateChosen(saP, n.proposals)
	if err != nil {
		return nil, nil, err
	}
	spi, ok := saP.Proposals[0].SPIUint32()
	if !ok || spi == 0 {
		return nil, nil, ikev2.NewInvalidSyntax("响应 SPI 非法")
	}
	res = &peerResult{alg: alg, remoteSPI: spi}

	if expectNonce {
		np, ok := ikev2.FindPayload[*ikev2.NoncePayload](payloads)
		if !ok {
			return res, nil, ikev2.NewInvalidSyntax("响应缺少 Nonce")
		}
		res.nonce = np.NonceData
	}

	ke, hasKE := ikev2.FindPayload[*ikev2.KEPayload](payloads)
	switch {
	case n.ke == nil && hasKE:
		return res, nil, &KeyExchangeError{Msg: "未请求 PFS 但响应携带 KE"}
	case n.ke == nil && alg.DH != 0:
		return res, nil, &KeyExchangeError{Msg: "未请求 PFS 但响应选择了 DH 组"}
	case n.ke != nil && !hasKE:
		return res, nil, &KeyExchangeError{Msg: "响应缺少 KE"}
	case n.ke != nil:
		if ke.DHGroup != alg.DH || uint16(ke.DHGroup) != n.ke.Group() {
			return res, nil, &KeyExchangeError{Msg: fmt.Sprintf("DH 组不匹配 %d/%d", ke.DHGroup, n.ke.Group())}
		}
		if res.sharedSecret, err = n.ke.SharedSecret(ke.KEData); err != nil {
			return res, nil, &KeyExchangeError{Msg: err.Error()}
		}
	}

	tsi, tsr := ikev2.FindTS(payloads, true), ikev2.FindTS(payloads, false)
	if tsi == nil || tsr == nil {
		return res, nil, ikev2.NewInvalidSyntax("响应缺少流量选择器")
	}
	if !coveredBy(tsi.TrafficSelectors, n.localTS) || !coveredBy(tsr.TrafficSelectors, n.remoteTS) {
		return res, nil, ikev2.NewTSUnacceptable("响应的流量选择器超出请求范围")
	}
	res.tsi, res.tsr = tsi.TrafficSelectors, tsr.TrafficSelectors
	res.transport = n.transport && ikev2.FindNotify(payloads, ikev2.USE_TRANSPORT_MODE) != nil
	return res, nil, nil
}

// coveredBy got 中每个选择器都落在 want 的某一项内
func coveredBy(got, want []*ikev2.TrafficSelector) bool {
	if len(got) == 0 {
		return false
	}
	for _, g := range got {
		ok := false
		for _, w := range want {
			if w.Covers(g) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// newRecord 成功后 SPI 的所有权转交给记录
func (s *Session) newRecord(n *negotiation, alg *ikev2.MatchedAlgorithms, remoteSPI uint32, isLocalInit bool,
	shared, ni, nr []byte, localTS, remoteTS []*ikev2.TrafficSelector, transport bool) (*sa.ChildSaRecord, error) {
	r, err := sa.NewChildSaRecord(sa.ChildSaParams{
		LocalSPI:     n.localSPI,
		RemoteSPI:    remoteSPI,
		IsLocalInit:  isLocalInit,
		Algorithms:   alg,
		PRF:          s.prf,
		SKd:          s.skD,
		SharedSecret: shared,
		Ni:           ni,
		Nr:           nr,
		Endpoints:    s.parent.Endpoints(),
		Transport:    transport,
		LocalTS:      localTS,
		RemoteTS:     remoteTS,
		Lifetime:     s.newLifetime(),
	})
	if err != nil {
		return nil, err
	}
	n.localSPI = nil
	return r, nil
}

func spiBytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// childSPIsOf 收集请求中全部 ESP 删除载荷的 SPI
func childSPIsOf(payloads []ikev2.Payload) []uint32 {
	var out []uint32
	for _, d := range ikev2.FindAll[*ikev2.DeletePayload](payloads) {
		if d.ProtocolID == ikev2.ProtoESP || d.ProtocolID == ikev2.ProtoAH {
			out = append(out, d.ChildSPIs()...)
		}
	}
	return out
}

func containsSPI(spis []uint32, v uint32) bool {
	for _, s := range spis {
		if s == v {
			return true
		}
	}
	return false
}

// newTestChild 直接构造处于指定状态的会话，仅用于测试
func newTestChild(h request.ChildHandle, parent Parent, cb Callback, params *Params, deps Deps,
	prf crypto.PRF, skD []byte, st State, current *sa.ChildSaRecord) *Session {
	s := New(h, parent, cb, params, deps, prf, skD)
	s.state = st
	s.current = current
	return s
}
