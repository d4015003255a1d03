package child

import (
	"fmt"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// BuildFirstChildRequest 随 IKE_AUTH 发送的 Child 载荷
// 第一个 Child 复用 IKE 的 nonce，不携带 KE
func (s *Session) BuildFirstChildRequest() ([]ikev2.Payload, error) {
	if s.state != Initial {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	n, err := s.startNegotiation(ikev2.WithoutDH(s.params.Proposals), false)
	if err != nil {
		return nil, err
	}
	s.neg = n
	s.transition(CreateChildLocalCreate)

	var out []ikev2.Payload
	if s.params.RequestIPv4 || s.params.RequestIPv6 {
		out = append(out, ikev2.NewCPRequest(s.params.RequestIPv4, s.params.RequestIPv6))
	}
	return append(out, s.requestPayloads(n, 0)...), nil
}

// HandleFirstChildExchange 处理 IKE_AUTH 最终响应中的 Child 部分
// 失败只关闭 Child，IKE SA 保持
func (s *Session) HandleFirstChildExchange(respPayloads []ikev2.Payload, ni, nr []byte) error {
	if s.state != CreateChildLocalCreate || s.neg == nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	n := s.neg
	res, peerErr, err := s.validateResponse(n, respPayloads, false)
	if peerErr != nil {
		err = peerErr
	}
	var rec *sa.ChildSaRecord
	if err == nil {
		rec, err = s.newRecord(n, res.alg, res.remoteSPI, true, nil, ni, nr, res.tsi, res.tsr, res.transport)
	}
	if err != nil {
		// 对端可能已建立该 SA，登记后立即撤销以保持 IKE 会话的 SPI 映射一致
		var remote uint32
		if res != nil {
			remote = res.remoteSPI
		}
		s.parent.OnChildSaCreated(s.handle, remote)
		s.parent.OnChildSaDeleted(s.handle, remote)
		s.closeSession(err)
		return err
	}
	s.neg = nil
	s.opened(rec, configurationFrom(respPayloads, rec))
	s.finish()
	return nil
}

// CreateChildSession 通过 CREATE_CHILD_SA 建立额外的 Child
func (s *Session) CreateChildSession() {
	if s.state != Initial {
		s.log.Debug("忽略创建请求", logger.Stringer("state", s.state))
		s.finish()
		return
	}
	n, err := s.startNegotiation(s.params.Proposals, true)
	if err != nil {
		s.closeSession(err)
		s.finish()
		return
	}
	s.neg = n
	s.transition(CreateChildLocalCreate)
	s.send(ikev2.CREATE_CHILD_SA, s.requestPayloads(n, 0))
}

func (s *Session) handleCreateResponse(payloads []ikev2.Payload) {
	n := s.neg
	res, peerErr, err := s.validateResponse(n, payloads, true)
	if peerErr != nil {
		s.closeSession(peerErr)
		s.finish()
		return
	}
	var rec *sa.ChildSaRecord
	if err == nil {
		rec, err = s.newRecord(n, res.alg, res.remoteSPI, true, res.sharedSecret, n.nonce, res.nonce, res.tsi, res.tsr, res.transport)
	}
	if err != nil {
		// 对端已建立 SA，删除后再关闭
		s.startLocalDelete(err, n.localSPI.Uint32())
		return
	}
	s.neg = nil
	s.opened(rec, configurationFrom(payloads, rec))
	s.finish()
}

func (s *Session) opened(rec *sa.ChildSaRecord, cfg *Configuration) {
	s.current = rec
	s.install(rec)
	rec.ScheduleLifetimeExpiryAlarm()
	s.transition(Idle)
	s.deps.Sink.Post(func() { s.cb.OnOpened(cfg) })
	s.processDeferred()
}

// configurationFrom 从响应中的 CP 和协商结果生成用户配置
func configurationFrom(payloads []ikev2.Payload, rec *sa.ChildSaRecord) *Configuration {
	cfg := &Configuration{
		LocalTS:   rec.Outbound.LocalTS,
		RemoteTS:  rec.Outbound.RemoteTS,
		Transport: rec.Outbound.Transport,
	}
	cp, ok := ikev2.FindPayload[*ikev2.CPPayload](payloads)
	if !ok || cp.CFGType != ikev2.CFG_REPLY {
		return cfg
	}
	c := ikev2.ParseCPConfig(cp)
	cfg.InternalAddresses = append(append(cfg.InternalAddresses, c.IPv4Addresses...), c.IPv6Addresses...)
	cfg.DNSServers = append(append(cfg.DNSServers, c.IPv4DNS...), c.IPv6DNS...)
	cfg.PCSCFServers = append(append(cfg.PCSCFServers, c.IPv4PCSCF...), c.IPv6PCSCF...)
	return cfg
}
