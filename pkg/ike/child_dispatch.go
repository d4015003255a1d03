package ike

import (
	"github.com/iniwex5/ike-go/pkg/child"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// childParent Child 会话回调 IKE 会话的入口，只在工作协程中被调用
type childParent struct {
	s *Session
}

var _ child.Parent = childParent{}

func (p childParent) OnOutboundPayloadsReady(h request.ChildHandle, ex ikev2.ExchangeType, isResp bool, payloads []ikev2.Payload) {
	s := p.s
	if isResp {
		s.collect(h, payloads)
		return
	}
	if s.state != ChildProcedureOngoing || h != s.activeChild {
		s.log.Warn("丢弃非当前过程的 Child 请求", logger.Uint64("child", uint64(h)), logger.Stringer("state", s.state))
		return
	}
	s.sendRequest(s.current, ex, payloads, func(msg *ikev2.Message) {
		c, ok := s.children[h]
		if !ok {
			s.childProcedureDone(h)
			return
		}
		c.ReceiveResponse(ex, msg.Payloads)
	})
}

func (p childParent) OnProcedureFinished(h request.ChildHandle) {
	p.s.childProcedureDone(h)
}

func (p childParent) OnChildSaCreated(h request.ChildHandle, remoteSPI uint32) {
	if remoteSPI != 0 {
		p.s.childBySPI[remoteSPI] = h
	}
}

func (p childParent) OnChildSaDeleted(h request.ChildHandle, remoteSPI uint32) {
	if p.s.childBySPI[remoteSPI] == h {
		delete(p.s.childBySPI, remoteSPI)
	}
}

func (p childParent) OnChildSessionClosed(h request.ChildHandle) {
	s := p.s
	delete(s.children, h)
	if s.firstChild != nil && s.firstChild.Handle() == h {
		s.firstChild = nil
	}
	if c := s.collector; c != nil && c.waiting[h] {
		// 已关闭的 Child 不会再应答
		s.collect(h, nil)
	}
}

func (p childParent) EnqueueLocalRequest(r request.ChildRequest) {
	p.s.enqueue(r, false)
}

func (p childParent) Endpoints() sa.Endpoints {
	s := p.s
	ep := sa.Endpoints{Local: s.local.Addr(), Remote: s.remote.Addr()}
	if s.natt {
		ep.LocalEncapPort = s.local.Port()
		ep.RemoteEncapPort = s.remote.Port()
	}
	return ep
}

func (s *Session) childDeps() child.Deps {
	return child.Deps{
		SPIs:   s.deps.SPIs,
		Alarms: s.alarms,
		Sink:   s.deps.Sink,
		Rand:   s.deps.Rand,
		Logger: s.deps.Logger,
	}
}

func (s *Session) allocHandle() request.ChildHandle {
	return request.ChildHandle(s.nextHandle.Add(1))
}

// addChild 新 Child 使用当前 IKE SA 的 SK_d
func (s *Session) addChild(h request.ChildHandle, params *child.Params, cb child.Callback) *child.Session {
	c := child.New(h, childParent{s: s}, cb, params, s.childDeps(), s.current.PRF, s.current.SKd())
	s.children[h] = c
	return c
}

func (s *Session) executeChildRequest(r request.ChildRequest) {
	c, ok := s.children[r.Child]
	if r.Cmd == request.CmdCreateChild {
		open, valid := r.Params.(*childOpen)
		if !valid || ok {
			s.log.Warn("非法的 Child 创建请求", logger.Uint64("child", uint64(r.Child)))
			return
		}
		c, ok = s.addChild(r.Child, open.params, open.cb), true
	}
	if !ok {
		s.log.Debug("Child 已不存在", logger.Stringer("req", r))
		return
	}
	s.transition(ChildProcedureOngoing)
	s.activeChild = r.Child
	c.HandleLocalRequest(r)
}

// childProcedureDone 第一个 Child 在 IKE_AUTH 中完成，不占用过程
func (s *Session) childProcedureDone(h request.ChildHandle) {
	if s.state != ChildProcedureOngoing || h != s.activeChild {
		return
	}
	s.activeChild = 0
	s.toIdle()
}

// handleCreateChildRequest 对端 CREATE_CHILD_SA: IKE 重协商或 Child 重协商
// 本端只作为发起方，不接受对端新建 Child
func (s *Session) handleCreateChildRequest(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	payloads := msg.Payloads
	if saP, ok := ikev2.FindPayload[*ikev2.SAPayload](payloads); ok &&
		len(saP.Proposals) > 0 && saP.Proposals[0].ProtocolID == ikev2.ProtoIKE {
		s.handleRemoteIkeRekey(rec, msg)
		return
	}
	n := ikev2.FindNotify(payloads, ikev2.REKEY_SA)
	if n == nil {
		s.respondError(rec, msg, &ikev2.ProtocolError{Notify: ikev2.NO_ADDITIONAL_SAS, Msg: "不接受对端新建 Child"})
		return
	}
	if rec != s.current || s.state.rekeying() || s.state == DpdIkeLocalInfo || s.state == DeleteIkeLocalDelete {
		s.respondError(rec, msg, ikev2.NewTemporaryFailure("IKE 会话正在 %s", s.state))
		return
	}
	spi, _ := n.ChildSPI()
	h, found := s.childBySPI[spi]
	c := s.children[h]
	if !found || c == nil {
		s.respondError(rec, msg, &ikev2.ProtocolError{Notify: ikev2.CHILD_SA_NOT_FOUND, Msg: "未知的 Child SPI"})
		return
	}
	col := s.openCollector(rec, msg, []request.ChildHandle{h})
	c.ReceiveRequest(child.RequestRekey, payloads)
	s.seal(col)
}

// dispatchChildDelete 把删除请求交给拥有这些 SPI 的 Child，响应合并为一条
func (s *Session) dispatchChildDelete(rec *sa.IkeSaRecord, msg *ikev2.Message, spis []uint32) {
	seen := make(map[request.ChildHandle]bool)
	var handles []request.ChildHandle
	for _, spi := range spis {
		h, ok := s.childBySPI[spi]
		if !ok || seen[h] {
			continue
		}
		if _, alive := s.children[h]; !alive {
			continue
		}
		seen[h] = true
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		s.log.Info("删除请求中没有本端的 Child SA", logger.Int("spis", len(spis)))
		s.respondEmpty(rec, msg)
		return
	}
	col := s.openCollector(rec, msg, handles)
	for _, h := range handles {
		if c, ok := s.children[h]; ok {
			c.ReceiveRequest(child.RequestDelete, msg.Payloads)
		} else {
			s.collect(h, nil)
		}
	}
	s.seal(col)
}
