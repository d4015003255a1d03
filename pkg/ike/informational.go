package ike

import (
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// startDPD 空 INFORMATIONAL 探测对端，重传耗尽即关闭
func (s *Session) startDPD() {
	if s.state != Idle || s.current == nil {
		return
	}
	s.transition(DpdIkeLocalInfo)
	s.log.Debug("发送 DPD")
	s.sendRequest(s.current, ikev2.INFORMATIONAL, nil, func(*ikev2.Message) {
		s.toIdle()
	})
}

// startDelete 删除 IKE SA，收到任何响应后关闭
func (s *Session) startDelete() {
	if s.current == nil {
		s.closeSession(nil)
		return
	}
	s.transition(DeleteIkeLocalDelete)
	s.log.Info("删除 IKE SA", logger.Stringer("sa", s.current))
	s.sendRequest(s.current, ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteIKE()}, func(*ikev2.Message) {
		s.closeSession(nil)
	})
}

func (s *Session) handleInformationalRequest(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	dels := ikev2.FindAll[*ikev2.DeletePayload](msg.Payloads)
	var spis []uint32
	for _, d := range dels {
		switch d.ProtocolID {
		case ikev2.ProtoIKE:
			s.handleRemoteIkeDelete(rec, msg)
			return
		case ikev2.ProtoESP, ikev2.ProtoAH:
			spis = append(spis, d.ChildSPIs()...)
		}
	}
	if len(spis) == 0 {
		// DPD 或只含通知
		s.respondEmpty(rec, msg)
		return
	}
	s.dispatchChildDelete(rec, msg, spis)
}

func (s *Session) handleRemoteIkeDelete(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	s.respondEmpty(rec, msg)
	if s.state == Closed {
		return
	}
	switch {
	case rec == s.doomed:
		s.doomedDeleted()

	case rec == s.current && s.state == RekeyIkeLocalDelete:
		// 双方同时删除旧 SA
		s.stopPending()
		nu := s.localInitNew
		s.localInitNew = nil
		s.promote(nu)
		s.toIdle()

	case rec != s.current:
		// 对端放弃了尚未接替的 SA
		s.log.Info("对端删除了未生效的 IKE SA", logger.Stringer("sa", rec))
		if p := s.pending; p != nil && p.rec == rec {
			s.stopPending()
			s.retireRecord(rec)
			p.onResponse(msg)
			return
		}
		s.retireRecord(rec)
		switch rec {
		case s.localInitNew:
			s.localInitNew = nil
		case s.remoteInitNew:
			s.remoteInitNew = nil
		}
		if rec == s.survivor {
			s.survivor = nil
		}

	default:
		s.log.Info("对端删除 IKE SA")
		s.closeSession(nil)
	}
}
