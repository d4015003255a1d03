package child

import (
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// DeleteChildSession 本端删除当前 Child SA 并关闭会话
func (s *Session) DeleteChildSession() {
	switch {
	case s.state == Closed:
		s.finish()
	case s.state == Initial:
		s.closeSession(nil)
		s.finish()
	case s.state == Idle:
		s.startLocalDelete(nil, s.current.LocalSPI())
	default:
		s.log.Debug("Child 正忙，推迟删除", logger.Stringer("state", s.state))
		s.retryLater(request.CmdDeleteChild)
		s.finish()
	}
}

// startLocalDelete 发送删除请求，收到响应后以 err 关闭
func (s *Session) startLocalDelete(err error, spis ...uint32) {
	s.closeErr = err
	s.transition(DeleteChildLocalDelete)
	s.send(ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteChild(spis...)})
}

// handleDeleteResponse 不论响应内容，本端 SA 全部撤销
func (s *Session) handleDeleteResponse() {
	for _, r := range []*sa.ChildSaRecord{s.current, s.localInitNew, s.remoteInitNew} {
		s.retire(r)
	}
	s.current, s.localInitNew, s.remoteInitNew = nil, nil, nil
	s.closeSession(s.closeErr)
	s.finish()
}

// handleRemoteDelete Idle 状态收到对端删除
func (s *Session) handleRemoteDelete(payloads []ikev2.Payload) {
	spis := childSPIsOf(payloads)
	if !containsSPI(spis, s.current.RemoteSPI) {
		s.log.Info("删除请求未包含本会话的 SA")
		s.respondEmpty()
		return
	}
	s.transition(DeleteChildRemoteDelete)
	cur := s.current
	s.respond(ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteChild(cur.LocalSPI())})
	s.retire(cur)
	s.current = nil
	s.closeSession(nil)
}

// handleDeleteDuringRemoteRekey 对端重协商后删除旧 SA，或放弃新 SA
func (s *Session) handleDeleteDuringRemoteRekey(payloads []ikev2.Payload) {
	spis := childSPIsOf(payloads)
	oldHit := containsSPI(spis, s.current.RemoteSPI)
	newHit := containsSPI(spis, s.remoteInitNew.RemoteSPI)

	var resp []uint32
	if oldHit {
		resp = append(resp, s.current.LocalSPI())
	}
	if newHit {
		resp = append(resp, s.remoteInitNew.LocalSPI())
	}
	if len(resp) == 0 {
		s.respondEmpty()
		return
	}
	s.respond(ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteChild(resp...)})

	switch {
	case oldHit && newHit:
		s.transition(DeleteChildRemoteDelete)
		s.retire(s.current)
		s.retire(s.remoteInitNew)
		s.current, s.remoteInitNew = nil, nil
		s.closeSession(nil)
	case oldHit:
		s.finishRemoteRekey()
	default:
		s.cancelRekeyDeleteAlarm()
		s.retire(s.remoteInitNew)
		s.remoteInitNew = nil
		s.transition(Idle)
		s.processDeferred()
	}
}
