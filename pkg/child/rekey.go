package child

import (
	"errors"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// RekeyChildSession 本端发起重协商，沿用当前 SA 的算法与流量选择器
func (s *Session) RekeyChildSession() {
	if s.state != Idle || s.current == nil {
		// 正在删除或对端已发起重协商，新 SA 会带来新的生命周期
		s.log.Debug("忽略重协商请求", logger.Stringer("state", s.state))
		s.finish()
		return
	}
	cur := s.current
	prop := cur.Algorithms.Proposal()
	prop.ProposalNum = 1
	n, err := s.startNegotiation([]*ikev2.Proposal{prop}, true)
	if err != nil {
		s.log.Warn("准备重协商失败", logger.Err(err))
		cur.RescheduleRekey(s.params.RekeyRetryInterval)
		s.finish()
		return
	}
	n.localTS, n.remoteTS, n.transport = cur.Inbound.LocalTS, cur.Inbound.RemoteTS, cur.Inbound.Transport
	s.neg = n
	s.transition(RekeyChildLocalCreate)
	s.log.Info("发起 Child SA 重协商", logger.ChildSPI("old", cur.LocalSPI()), logger.ChildSPI("new", n.localSPI.Uint32()))
	s.send(ikev2.CREATE_CHILD_SA, s.requestPayloads(n, cur.LocalSPI()))
}

func (s *Session) handleRekeyResponse(payloads []ikev2.Payload) {
	n := s.neg
	cur := s.current
	res, peerErr, err := s.validateResponse(n, payloads, true)
	if peerErr != nil {
		s.releaseNegotiation()
		if errors.Is(peerErr, ikev2.ErrTemporaryFailure) {
			d, ok := s.tempFailure.Next()
			if !ok {
				s.startLocalDelete(request.ErrTempFailureWindowExceeded, cur.LocalSPI())
				return
			}
			s.log.Info("对端暂时无法重协商", logger.Duration("retry", d))
			cur.RescheduleRekey(d)
		} else {
			s.log.Warn("重协商被拒绝", logger.Err(peerErr))
			cur.RescheduleRekey(s.params.RekeyRetryInterval)
		}
		s.transition(Idle)
		s.processDeferred()
		s.finish()
		return
	}
	s.tempFailure.Reset()

	var rec *sa.ChildSaRecord
	if err == nil {
		rec, err = s.newRecord(n, res.alg, res.remoteSPI, true, res.sharedSecret, n.nonce, res.nonce,
			res.tsi, res.tsr, res.transport)
	}
	if err != nil {
		// 响应不合法: 删除旧 SA 和对端可能已建立的新 SA
		spis := []uint32{cur.LocalSPI()}
		if res != nil {
			spis = append(spis, n.localSPI.Uint32())
		}
		s.startLocalDelete(err, spis...)
		return
	}
	s.neg = nil
	s.localInitNew = rec
	s.install(rec)
	s.transition(RekeyChildLocalDelete)
	s.send(ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteChild(cur.LocalSPI())})
}

// handleRekeyDeleteResponse 旧 SA 删除完成，新 SA 接替
func (s *Session) handleRekeyDeleteResponse() {
	old := s.current
	s.current, s.localInitNew = s.localInitNew, nil
	s.current.ScheduleLifetimeExpiryAlarm()
	s.retire(old)
	s.transition(Idle)
	s.log.Info("Child SA 重协商完成", logger.ChildSPI("in", s.current.LocalSPI()))
	// 推迟的请求先于过程结束通知处理，否则父会话可能先发出排队的本地请求
	s.processDeferred()
	s.finish()
}

// handleRemoteRekey 响应对端带 REKEY_SA 的 CREATE_CHILD_SA
func (s *Session) handleRemoteRekey(payloads []ikev2.Payload) {
	s.transition(RekeyChildRemoteCreate)
	rec, resp, err := s.acceptRekey(payloads)
	if err != nil {
		s.respondError(ikev2.CREATE_CHILD_SA, err)
		s.transition(Idle)
		return
	}
	s.respond(ikev2.CREATE_CHILD_SA, resp)
	s.remoteInitNew = rec
	s.install(rec)
	s.transition(RekeyChildRemoteDelete)
	s.rekeyDeleteAlarm = s.deps.Alarms.Schedule(s.params.RekeyDeleteTimeout, s.onRekeyDeleteTimeout)
}

func (s *Session) acceptRekey(payloads []ikev2.Payload) (*sa.ChildSaRecord, []ikev2.Payload, error) {
	cur := s.current
	saP, ok := ikev2.FindPayload[*ikev2.SAPayload](payloads)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("缺少 SA 载荷")
	}
	np, ok := ikev2.FindPayload[*ikev2.NoncePayload](payloads)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("缺少 Nonce")
	}
	tsi, tsr := ikev2.FindTS(payloads, true), ikev2.FindTS(payloads, false)
	if tsi == nil || tsr == nil {
		return nil, nil, ikev2.NewInvalidSyntax("缺少流量选择器")
	}
	// 对端视角的 TSi 是本端的远端
	if !coveredBy(tsi.TrafficSelectors, cur.Inbound.RemoteTS) || !coveredBy(tsr.TrafficSelectors, cur.Inbound.LocalTS) {
		return nil, nil, ikev2.NewTSUnacceptable("流量选择器与当前 SA 不符")
	}

	local := append([]*ikev2.Proposal{cur.Algorithms.Proposal()}, s.params.Proposals...)
	alg, err := ikev2.SelectProposal(saP.Proposals, local)
	if err != nil {
		return nil, nil, err
	}
	remoteSPI, ok := decodeChildSPI(alg.SPI)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("提议 SPI 非法")
	}

	ke, hasKE := ikev2.FindPayload[*ikev2.KEPayload](payloads)
	if hasKE && alg.DH != 0 && ke.DHGroup != alg.DH && offersGroup(saP.Proposals, alg.ProposalNum, ke.DHGroup) &&
		acceptsGroup(local, ke.DHGroup) {
		// 对端首选的组本端也接受
		alg.DH = ke.DHGroup
	}
	switch {
	case alg.DH == 0 && hasKE:
		return nil, nil, ikev2.NewInvalidSyntax("未协商 DH 组但携带 KE")
	case alg.DH != 0 && !hasKE:
		return nil, nil, ikev2.NewInvalidSyntax("协商了 DH 组 %d 但缺少 KE", alg.DH)
	case alg.DH != 0 && ke.DHGroup != alg.DH:
		return nil, nil, ikev2.NewInvalidSyntax("KE 的 DH 组 %d 与选中的 %d 不符", ke.DHGroup, alg.DH)
	}

	var withGroup []*ikev2.Proposal
	if alg.DH != 0 {
		withGroup = []*ikev2.Proposal{alg.Proposal()}
	}
	n, err := s.startNegotiation(withGroup, true)
	if err != nil {
		return nil, nil, ikev2.NewTemporaryFailure("%v", err)
	}
	var shared []byte
	if n.ke != nil {
		if shared, err = n.ke.SharedSecret(ke.KEData); err != nil {
			n.release()
			return nil, nil, ikev2.NewInvalidSyntax("KE 数据非法: %v", err)
		}
	}
	alg.SPI = spiBytes(n.localSPI.Uint32())
	transport := cur.Inbound.Transport && ikev2.FindNotify(payloads, ikev2.USE_TRANSPORT_MODE) != nil

	rec, err := s.newRecord(n, alg, remoteSPI, false, shared, np.NonceData, n.nonce,
		tsr.TrafficSelectors, tsi.TrafficSelectors, transport)
	if err != nil {
		n.release()
		return nil, nil, ikev2.NewNoProposalChosen("派生密钥失败: %v", err)
	}

	var resp []ikev2.Payload
	if transport {
		resp = append(resp, ikev2.NewNotify(ikev2.USE_TRANSPORT_MODE, nil))
	}
	resp = append(resp, &ikev2.SAPayload{Proposals: []*ikev2.Proposal{alg.Proposal()}}, &ikev2.NoncePayload{NonceData: n.nonce})
	if n.ke != nil {
		resp = append(resp, &ikev2.KEPayload{DHGroup: alg.DH, KEData: n.ke.PublicKey()})
	}
	resp = append(resp,
		&ikev2.TSPayload{IsInitiator: true, TrafficSelectors: tsi.TrafficSelectors},
		&ikev2.TSPayload{IsInitiator: false, TrafficSelectors: tsr.TrafficSelectors})
	return rec, resp, nil
}

// onRekeyDeleteTimeout 对端未删除旧 SA，本端直接切换
func (s *Session) onRekeyDeleteTimeout() {
	s.rekeyDeleteAlarm = nil
	if s.state != RekeyChildRemoteDelete {
		return
	}
	s.log.Info("等待对端删除旧 SA 超时")
	s.finishRemoteRekey()
}

func (s *Session) finishRemoteRekey() {
	s.cancelRekeyDeleteAlarm()
	old := s.current
	s.current, s.remoteInitNew = s.remoteInitNew, nil
	s.current.ScheduleLifetimeExpiryAlarm()
	s.retire(old)
	s.transition(Idle)
	s.log.Info("对端发起的重协商完成", logger.ChildSPI("in", s.current.LocalSPI()))
	s.processDeferred()
}

func decodeChildSPI(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v, v != 0
}

func offersGroup(props []*ikev2.Proposal, num uint8, g ikev2.AlgorithmType) bool {
	for _, p := range props {
		if p.ProposalNum != num {
			continue
		}
		for _, dh := range p.DHGroups() {
			if dh == g {
				return true
			}
		}
	}
	return false
}

func acceptsGroup(props []*ikev2.Proposal, g ikev2.AlgorithmType) bool {
	for _, p := range props {
		for _, dh := range p.DHGroups() {
			if dh == g {
				return true
			}
		}
	}
	return false
}
