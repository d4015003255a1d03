package ike

import (
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// pendingRequest 等待响应的本端请求，窗口大小为 1
type pendingRequest struct {
	rec        *sa.IkeSaRecord
	msgID      uint32
	exchange   ikev2.ExchangeType
	onResponse func(msg *ikev2.Message)
	retrans    *retransmitter
}

// responseCollector 对端请求由多个 Child 共同应答时合并响应
// Child 可能推迟应答，全部到齐后才发送
type responseCollector struct {
	rec      *sa.IkeSaRecord
	msgID    uint32
	exchange ikev2.ExchangeType
	waiting  map[request.ChildHandle]bool
	payloads []ikev2.Payload
	// sealed 分发结束，之后的应答到齐即可发送
	sealed bool
}

func (s *Session) header(rec *sa.IkeSaRecord, ex ikev2.ExchangeType, msgID uint32, isResp bool) *ikev2.IKEHeader {
	var flags uint8
	if rec.IsLocalInit {
		flags |= ikev2.FlagInitiator
	}
	if isResp {
		flags |= ikev2.FlagResponse
	}
	return &ikev2.IKEHeader{
		SPIi:         rec.InitiatorSPI,
		SPIr:         rec.ResponderSPI,
		Version:      ikev2.IKEv2Version,
		ExchangeType: ex,
		Flags:        flags,
		MessageID:    msgID,
	}
}

// fragmentSize 对端支持分片时才对出站消息分片
func (s *Session) fragmentSize() int {
	if !s.peerFragmentation {
		return 0
	}
	return s.params.FragmentSize
}

func (s *Session) transmit(pkts [][]byte) {
	for _, pkt := range pkts {
		if err := s.deps.Transport.SendIKEPacket(pkt, s.remote); err != nil {
			s.log.Warn("发送 IKE 数据包失败", logger.Err(err))
		}
	}
}

func (s *Session) encode(rec *sa.IkeSaRecord, ex ikev2.ExchangeType, msgID uint32, isResp bool, payloads []ikev2.Payload) ([][]byte, error) {
	suite := *rec.Suite()
	suite.Rand = s.deps.Rand
	return ikev2.EncodeProtected(s.header(rec, ex, msgID, isResp), payloads, &suite, rec.OutboundKeys(), s.fragmentSize())
}

// sendRequest 在 rec 上发送加密请求并等待响应
func (s *Session) sendRequest(rec *sa.IkeSaRecord, ex ikev2.ExchangeType, payloads []ikev2.Payload, onResponse func(*ikev2.Message)) {
	if s.pending != nil {
		s.fatal(internal("发送请求", errBusy))
		return
	}
	msgID := rec.LocalRequestMessageID()
	pkts, err := s.encode(rec, ex, msgID, false, payloads)
	if err != nil {
		s.fatal(internal("编码请求", err))
		return
	}
	s.log.Debug("发送请求", logger.Exchange(ex), logger.MsgID(msgID), logger.Int("packets", len(pkts)))
	s.metrics.exchange(ex, false)
	s.pending = &pendingRequest{rec: rec, msgID: msgID, exchange: ex, onResponse: onResponse}
	s.pending.retrans = s.startRetransmitter(pkts)
}

// sendPlainRequest IKE_SA_INIT 使用的明文请求
func (s *Session) sendPlainRequest(rec *sa.IkeSaRecord, pkt []byte, onResponse func(*ikev2.Message)) {
	s.metrics.exchange(ikev2.IKE_SA_INIT, false)
	s.pending = &pendingRequest{rec: rec, exchange: ikev2.IKE_SA_INIT, onResponse: onResponse}
	s.pending.retrans = s.startRetransmitter([][]byte{pkt})
}

func (s *Session) stopPending() {
	if s.pending != nil {
		s.pending.retrans.stop()
		s.pending = nil
	}
}

// completeRequest 收到匹配的响应，消息 ID 前移后交给回调
func (s *Session) completeRequest(msg *ikev2.Message) {
	p := s.pending
	p.retrans.stop()
	s.pending = nil
	if p.rec != nil {
		p.rec.IncrementLocalRequestMessageID()
	}
	s.metrics.exchange(p.exchange, true)
	p.onResponse(msg)
}

// sendResponse 响应并缓存，对端重传请求时原样重发
func (s *Session) sendResponse(rec *sa.IkeSaRecord, ex ikev2.ExchangeType, msgID uint32, payloads []ikev2.Payload) {
	pkts, err := s.encode(rec, ex, msgID, true, payloads)
	if err != nil {
		s.fatal(internal("编码响应", err))
		return
	}
	rec.UpdateLastSentRespAllPackets(pkts)
	rec.IncrementRemoteRequestMessageID()
	s.metrics.exchange(ex, false)
	s.transmit(pkts)
}

func (s *Session) respondError(rec *sa.IkeSaRecord, msg *ikev2.Message, err *ikev2.ProtocolError) {
	s.log.Info("拒绝对端请求", logger.Exchange(msg.Header.ExchangeType), logger.Err(err))
	s.sendResponse(rec, msg.Header.ExchangeType, msg.Header.MessageID, []ikev2.Payload{err.ToNotify()})
}

func (s *Session) respondEmpty(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	s.sendResponse(rec, msg.Header.ExchangeType, msg.Header.MessageID, nil)
}

// sendDeleteBestEffort 发送删除 IKE SA 的请求，不等待响应
func (s *Session) sendDeleteBestEffort(rec *sa.IkeSaRecord) {
	msgID := rec.LocalRequestMessageID()
	if s.pending != nil && s.pending.rec == rec {
		msgID++
	}
	pkts, err := s.encode(rec, ikev2.INFORMATIONAL, msgID, false, []ikev2.Payload{ikev2.NewDeleteIKE()})
	if err != nil {
		s.log.Debug("编码删除请求失败", logger.Err(err))
		return
	}
	s.transmit(pkts)
}

func (s *Session) openCollector(rec *sa.IkeSaRecord, msg *ikev2.Message, handles []request.ChildHandle) *responseCollector {
	c := &responseCollector{
		rec:      rec,
		msgID:    msg.Header.MessageID,
		exchange: msg.Header.ExchangeType,
		waiting:  make(map[request.ChildHandle]bool, len(handles)),
	}
	for _, h := range handles {
		c.waiting[h] = true
	}
	s.collector = c
	return c
}

// collect 记录 Child 的应答
func (s *Session) collect(h request.ChildHandle, payloads []ikev2.Payload) {
	c := s.collector
	if c == nil || !c.waiting[h] {
		s.log.Warn("丢弃无对应请求的 Child 响应", logger.Uint64("child", uint64(h)))
		return
	}
	delete(c.waiting, h)
	c.payloads = append(c.payloads, payloads...)
	s.flushCollector()
}

// seal 分发完毕，未应答的 Child 之后再补
func (s *Session) seal(c *responseCollector) {
	c.sealed = true
	s.flushCollector()
}

func (s *Session) flushCollector() {
	c := s.collector
	if c == nil || !c.sealed || len(c.waiting) > 0 {
		return
	}
	s.collector = nil
	if c.rec.Closed() {
		return
	}
	s.sendResponse(c.rec, c.exchange, c.msgID, mergeResponse(c.payloads))
}

// mergeResponse 错误通知优先，否则合并所有删除载荷
func mergeResponse(payloads []ikev2.Payload) []ikev2.Payload {
	if n := ikev2.FirstErrorNotify(payloads); n != nil {
		return []ikev2.Payload{n}
	}
	var spis []uint32
	var out []ikev2.Payload
	for _, p := range payloads {
		if d, ok := p.(*ikev2.DeletePayload); ok && d.ProtocolID == ikev2.ProtoESP {
			spis = append(spis, d.ChildSPIs()...)
			continue
		}
		out = append(out, p)
	}
	if len(spis) > 0 {
		out = append([]ikev2.Payload{ikev2.NewDeleteChild(spis...)}, out...)
	}
	return out
}
