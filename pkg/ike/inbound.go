package ike

import (
	"net/netip"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// handlePacket 按 SPI 找到 SA 记录，区分请求与响应
func (s *Session) handlePacket(pkt []byte, src netip.AddrPort) {
	hdr, err := ikev2.DecodeHeader(pkt)
	if err != nil {
		s.log.Debug("丢弃无法解析的数据包", logger.Err(err), logger.Stringer("src", src))
		return
	}
	if hdr.ExchangeType == ikev2.IKE_SA_INIT {
		s.handleInitPacket(pkt, hdr)
		return
	}
	rec := s.recordFor(hdr.LocalSPI())
	if rec == nil {
		s.log.Debug("丢弃未知 SPI 的数据包", logger.SPI("spi", hdr.LocalSPI()))
		return
	}

	if hdr.IsResponse() {
		p := s.pending
		if p == nil || p.rec != rec || hdr.MessageID != p.msgID {
			s.log.Debug("丢弃不匹配的响应", logger.MsgID(hdr.MessageID), logger.Exchange(hdr.ExchangeType))
			return
		}
	} else {
		if c := s.collector; c != nil && c.rec == rec && c.msgID == hdr.MessageID {
			// 响应尚未生成，对端重传的请求直接丢弃
			return
		}
		if rec.IsRetransmittedRequest(pkt) {
			s.log.Debug("对端重传请求，重发缓存的响应", logger.MsgID(hdr.MessageID))
			s.transmit(rec.LastSentRespAllPackets())
			return
		}
		if hdr.MessageID != rec.RemoteRequestMessageID() {
			s.log.Debug("丢弃消息 ID 不符的请求",
				logger.MsgID(hdr.MessageID), logger.Uint32("expected", rec.RemoteRequestMessageID()))
			return
		}
	}

	isResp := hdr.IsResponse()
	res := ikev2.DecodeProtected(pkt, rec.Suite(), rec.InboundKeys(), rec.CollectedFragments(isResp))
	switch res.Status {
	case ikev2.DecodePartial:
		rec.UpdateCollectedFragments(res.Fragments, isResp)
		return
	case ikev2.DecodeUnprotectedError:
		s.log.Debug("丢弃未通过校验的数据包", logger.Err(res.Err))
		return
	case ikev2.DecodeProtectedError:
		s.fatal(res.Err)
		return
	}
	rec.ResetCollectedFragments(isResp)
	s.armDPD()

	if isResp {
		s.completeRequest(res.Message)
		return
	}
	if !s.state.established() {
		// 不记录为已处理，建立后对端重传的同一请求按新请求处理
		s.log.Debug("IKE SA 未建立，丢弃对端请求", logger.Exchange(hdr.ExchangeType))
		return
	}
	rec.UpdateLastReceivedReqFirstPacket(res.FirstPacket)
	s.metrics.exchange(hdr.ExchangeType, true)
	s.handleRequest(rec, res.Message)
}

func (s *Session) recordFor(spi uint64) *sa.IkeSaRecord {
	for _, r := range []*sa.IkeSaRecord{s.current, s.localInitNew, s.remoteInitNew, s.doomed, s.survivor} {
		if r != nil && !r.Closed() && r.LocalSPI() == spi {
			return r
		}
	}
	return nil
}

// handleRequest 按交换类型分发已建立 IKE SA 上的对端请求
func (s *Session) handleRequest(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	switch msg.Header.ExchangeType {
	case ikev2.INFORMATIONAL:
		s.handleInformationalRequest(rec, msg)
	case ikev2.CREATE_CHILD_SA:
		s.handleCreateChildRequest(rec, msg)
	default:
		s.respondError(rec, msg, ikev2.NewInvalidSyntax("意外的请求 %s", msg.Header.ExchangeType))
	}
}
