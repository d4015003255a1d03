package ike

import (
	"encoding/binary"
	"errors"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// rekeyNegotiation 一次 IKE 重协商中本端生成的材料
type rekeyNegotiation struct {
	// spi 记录建立后归记录所有，此处置 nil
	spi      *sa.Spi
	nonce    []byte
	ke       crypto.KeyExchange
	proposal *ikev2.Proposal
}

func (n *rekeyNegotiation) release() {
	if n.spi != nil {
		n.spi.Release()
		n.spi = nil
	}
}

func (s *Session) newRekeyNegotiation(group uint16) (*rekeyNegotiation, error) {
	spi, err := s.deps.SPIs.AllocateIKE(s.local.Addr())
	if err != nil {
		return nil, err
	}
	n := &rekeyNegotiation{spi: spi}
	if n.nonce, err = crypto.RandomBytesFrom(s.deps.Rand, nonceLen); err != nil {
		n.release()
		return nil, err
	}
	if n.ke, err = crypto.NewKeyExchangeFrom(group, s.deps.Rand); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

func spiBytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// startRekey 沿用当前 SA 的算法发起 CREATE_CHILD_SA
func (s *Session) startRekey() {
	cur := s.current
	if cur == nil || s.state != Idle {
		return
	}
	n, err := s.newRekeyNegotiation(uint16(cur.Algorithms.DH))
	if err != nil {
		s.log.Warn("准备 IKE 重协商失败", logger.Err(err))
		cur.RescheduleRekey(s.params.RekeyRetryInterval)
		return
	}
	prop := cur.Algorithms.Proposal()
	prop.ProposalNum = 1
	prop.SPI = spiBytes(n.spi.Value())
	n.proposal = prop
	s.rekey = n

	s.transition(RekeyIkeLocalCreate)
	s.log.Info("发起 IKE SA 重协商", logger.SPI("newSPI", n.spi.Value()))
	s.sendRequest(cur, ikev2.CREATE_CHILD_SA, []ikev2.Payload{
		&ikev2.SAPayload{Proposals: []*ikev2.Proposal{prop}},
		&ikev2.NoncePayload{NonceData: n.nonce},
		&ikev2.KEPayload{DHGroup: ikev2.AlgorithmType(n.ke.Group()), KEData: n.ke.PublicKey()},
	}, s.handleRekeyResponse)
}

func (s *Session) handleRekeyResponse(msg *ikev2.Message) {
	n := s.rekey
	s.rekey = nil
	cur := s.current

	if pn := ikev2.FirstErrorNotify(msg.Payloads); pn != nil {
		n.release()
		s.metrics.rekeyed(true, "rejected")
		if err := ikev2.ErrorFromNotify(pn); errors.Is(err, ikev2.ErrTemporaryFailure) {
			d, ok := s.tempFailure.Next()
			if !ok {
				s.fatal(ErrTempFailureWindowExceeded)
				return
			}
			s.log.Info("对端暂时无法重协商 IKE SA", logger.Duration("retry", d))
			cur.RescheduleRekey(d)
		} else {
			s.log.Warn("IKE 重协商被拒绝", logger.Err(err))
			cur.RescheduleRekey(s.params.RekeyRetryInterval)
		}
		if s.remoteInitNew != nil {
			// 对端的重协商已成功，等待其删除旧 SA
			s.awaitRemoteDelete(cur, s.remoteInitNew)
			return
		}
		s.toIdle()
		return
	}
	s.tempFailure.Reset()

	rec, err := s.rekeyRecord(n, msg.Payloads)
	if err != nil {
		n.release()
		s.metrics.rekeyed(true, "failed")
		s.fatal(err)
		return
	}
	s.deps.Transport.RegisterIKE(rec.LocalSPI(), s)
	s.localInitNew = rec
	if s.remoteInitNew != nil {
		s.resolveCollision()
		return
	}
	s.transition(RekeyIkeLocalDelete)
	s.sendRequest(cur, ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteIKE()}, s.handleRekeyDeleteResponse)
}

func (s *Session) rekeyRecord(n *rekeyNegotiation, payloads []ikev2.Payload) (*sa.IkeSaRecord, error) {
	saP, _ := ikev2.FindPayload[*ikev2.SAPayload](payloads)
	alg, err := ikev2.ValidateChosen(saP, []*ikev2.Proposal{n.proposal})
	if err != nil {
		return nil, err
	}
	remoteSPI, ok := saP.Proposals[0].SPIUint64()
	if !ok || remoteSPI == 0 {
		return nil, ikev2.NewInvalidSyntax("新 IKE SA 的响应方 SPI 非法")
	}
	ke, ok := ikev2.FindPayload[*ikev2.KEPayload](payloads)
	if !ok {
		return nil, ikev2.NewInvalidSyntax("缺少 KE")
	}
	if ke.DHGroup != alg.DH || uint16(alg.DH) != n.ke.Group() {
		return nil, ikev2.NewInvalidSyntax("KE 的 DH 组 %d 与协商结果 %d 不符", ke.DHGroup, alg.DH)
	}
	nr, ok := ikev2.FindPayload[*ikev2.NoncePayload](payloads)
	if !ok {
		return nil, ikev2.NewInvalidSyntax("缺少 Nonce")
	}
	return s.deriveRekeyed(n, alg, remoteSPI, true, n.nonce, nr.NonceData, ke.KEData)
}

// deriveRekeyed 用旧 SK_d 派生新 IKE SA，成功后 SPI 归记录所有
func (s *Session) deriveRekeyed(n *rekeyNegotiation, alg *ikev2.MatchedAlgorithms, remoteSPI uint64,
	isLocalInit bool, ni, nr, peerKE []byte) (*sa.IkeSaRecord, error) {
	shared, err := n.ke.SharedSecret(peerKE)
	if err != nil {
		return nil, ikev2.NewInvalidSyntax("KE 数据非法: %v", err)
	}
	defer crypto.ZeroBytes(shared)
	prf, err := alg.PRFAlgorithm()
	if err != nil {
		return nil, err
	}
	encr, integ, err := alg.Cipher()
	if err != nil {
		return nil, err
	}
	rec, err := s.newIkeRecord(sa.IkeSaParams{
		LocalSPI:     n.spi,
		RemoteSPI:    remoteSPI,
		IsLocalInit:  isLocalInit,
		Ni:           ni,
		Nr:           nr,
		SharedSecret: shared,
		OldSKd:       s.current.SKd(),
		PRF:          prf,
		Encr:         encr,
		Integ:        integ,
		Algorithms:   alg,
	})
	if err != nil {
		return nil, internal("派生新 IKE SA 密钥", err)
	}
	n.spi = nil
	return rec, nil
}

// resolveCollision 双方同时重协商: nonce 最小者所在的 SA 由其创建方删除
func (s *Session) resolveCollision() {
	local, remote := s.localInitNew, s.remoteInitNew
	if local.Compare(remote) > 0 {
		s.log.Info("IKE 重协商冲突，本端 SA 保留", logger.Stringer("sa", local))
		s.doomed = remote
		s.transition(SimulRekeyIkeLocalDeleteRemoteDelete)
		s.sendRequest(s.current, ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteIKE()}, s.handleWinnerDeleteResponse)
		return
	}
	s.log.Info("IKE 重协商冲突，对端 SA 保留", logger.Stringer("sa", remote))
	s.doomed, s.survivor = s.current, remote
	s.transition(SimulRekeyIkeLocalDelete)
	s.sendRequest(local, ikev2.INFORMATIONAL, []ikev2.Payload{ikev2.NewDeleteIKE()}, s.handleLoserDeleteResponse)
}

// handleRekeyDeleteResponse 旧 SA 删除完成，新 SA 接替
func (s *Session) handleRekeyDeleteResponse(*ikev2.Message) {
	rec := s.localInitNew
	s.localInitNew = nil
	s.promote(rec)
	s.toIdle()
}

// handleWinnerDeleteResponse 旧 SA 已删除，还要等对端删除它创建的冗余 SA
func (s *Session) handleWinnerDeleteResponse(*ikev2.Message) {
	rec := s.localInitNew
	s.localInitNew = nil
	s.promote(rec)
	if s.doomed != nil {
		s.awaitRemoteDelete(s.doomed, nil)
		return
	}
	s.toIdle()
}

// handleLoserDeleteResponse 本端冗余 SA 已删除，等对端删除旧 SA
func (s *Session) handleLoserDeleteResponse(*ikev2.Message) {
	s.retireRecord(s.localInitNew)
	s.localInitNew = nil
	s.metrics.rekeyed(true, "collision")
	if s.doomed != nil {
		s.awaitRemoteDelete(s.doomed, s.survivor)
		return
	}
	s.finishRekey()
}

// handleRemoteIkeRekey 只在当前 SA 上且本端没有其他 IKE 过程时接受
func (s *Session) handleRemoteIkeRekey(rec *sa.IkeSaRecord, msg *ikev2.Message) {
	if rec != s.current || s.remoteInitNew != nil || (s.state != Idle && s.state != RekeyIkeLocalCreate) {
		s.respondError(rec, msg, ikev2.NewTemporaryFailure("IKE 会话正在 %s", s.state))
		return
	}
	newRec, resp, err := s.acceptIkeRekey(msg.Payloads)
	if err != nil {
		var pe *ikev2.ProtocolError
		if !errors.As(err, &pe) {
			s.log.Warn("处理对端 IKE 重协商失败", logger.Err(err))
			pe = ikev2.NewNoProposalChosen("%v", err)
		}
		s.metrics.rekeyed(false, "rejected")
		s.respondError(rec, msg, pe)
		return
	}
	s.deps.Transport.RegisterIKE(newRec.LocalSPI(), s)
	s.remoteInitNew = newRec
	s.sendResponse(rec, ikev2.CREATE_CHILD_SA, msg.Header.MessageID, resp)
	if s.state == Closed {
		return
	}
	s.log.Info("接受对端 IKE 重协商", logger.Stringer("sa", newRec))
	if s.state == Idle {
		s.awaitRemoteDelete(s.current, newRec)
	}
	// RekeyIkeLocalCreate: 本端请求的响应到达后处理冲突
}

func (s *Session) acceptIkeRekey(payloads []ikev2.Payload) (*sa.IkeSaRecord, []ikev2.Payload, error) {
	saP, _ := ikev2.FindPayload[*ikev2.SAPayload](payloads)
	alg, err := ikev2.SelectProposal(saP.Proposals, s.params.Proposals)
	if err != nil {
		return nil, nil, err
	}
	if len(alg.SPI) != 8 || binary.BigEndian.Uint64(alg.SPI) == 0 {
		return nil, nil, ikev2.NewInvalidSyntax("新 IKE SA 的发起方 SPI 非法")
	}
	if alg.DH == 0 {
		return nil, nil, ikev2.NewNoProposalChosen("IKE 重协商必须协商 DH 组")
	}
	ke, ok := ikev2.FindPayload[*ikev2.KEPayload](payloads)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("缺少 KE")
	}
	if ke.DHGroup != alg.DH {
		return nil, nil, ikev2.NewInvalidKEPayload(alg.DH)
	}
	ni, ok := ikev2.FindPayload[*ikev2.NoncePayload](payloads)
	if !ok {
		return nil, nil, ikev2.NewInvalidSyntax("缺少 Nonce")
	}

	n, err := s.newRekeyNegotiation(uint16(alg.DH))
	if err != nil {
		return nil, nil, ikev2.NewTemporaryFailure("%v", err)
	}
	rec, err := s.deriveRekeyed(n, alg, binary.BigEndian.Uint64(alg.SPI), false, ni.NonceData, n.nonce, ke.KEData)
	if err != nil {
		n.release()
		return nil, nil, err
	}
	chosen := alg.Proposal()
	chosen.SPI = spiBytes(rec.LocalSPI())
	return rec, []ikev2.Payload{
		&ikev2.SAPayload{Proposals: []*ikev2.Proposal{chosen}},
		&ikev2.NoncePayload{NonceData: n.nonce},
		&ikev2.KEPayload{DHGroup: alg.DH, KEData: n.ke.PublicKey()},
	}, nil
}

// awaitRemoteDelete 等待对端删除 doomed，超时视同已删除
func (s *Session) awaitRemoteDelete(doomed, survivor *sa.IkeSaRecord) {
	s.doomed, s.survivor = doomed, survivor
	s.transition(RekeyIkeRemoteDelete)
	s.cancelRekeyDeleteAlarm()
	s.rekeyDeleteAlarm = s.alarms.Schedule(s.params.RekeyDeleteTimeout, s.onRekeyDeleteTimeout)
}

func (s *Session) onRekeyDeleteTimeout() {
	s.rekeyDeleteAlarm = nil
	if s.doomed == nil || s.state == Closed {
		return
	}
	s.log.Info("等待对端删除旧 IKE SA 超时", logger.Stringer("sa", s.doomed))
	s.doomedDeleted()
}

// doomedDeleted 对端删除了 doomed (或等待超时)
func (s *Session) doomedDeleted() {
	d := s.doomed
	s.doomed = nil
	s.cancelRekeyDeleteAlarm()
	if d != s.current {
		s.retireRecord(d)
		if d == s.remoteInitNew {
			s.remoteInitNew = nil
		}
	}
	switch s.state {
	case RekeyIkeRemoteDelete:
		s.finishRekey()
	case SimulRekeyIkeLocalDeleteRemoteDelete:
		// 本端删除请求仍在进行
		s.transition(SimulRekeyIkeLocalDelete)
	}
}

// finishRekey survivor 接替当前 SA 后回到 Idle
func (s *Session) finishRekey() {
	if nu := s.survivor; nu != nil {
		s.survivor = nil
		if nu == s.remoteInitNew {
			s.remoteInitNew = nil
		}
		s.promote(nu)
	}
	s.toIdle()
}

// promote 新 SA 成为当前 SA: 关闭旧 SA，Child 改用新的 SK_d
func (s *Session) promote(rec *sa.IkeSaRecord) {
	old := s.current
	s.current = rec
	if old != nil && old != rec {
		s.retireRecord(old)
	}
	rec.ScheduleLifetimeExpiryAlarm()
	for _, h := range s.childHandles() {
		s.children[h].SetSkD(rec.PRF, rec.SKd())
	}
	s.metrics.rekeyed(rec.IsLocalInit, "ok")
	s.log.Info("IKE SA 重协商完成", logger.Stringer("sa", rec))
}
