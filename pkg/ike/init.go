package ike

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

const (
	nonceLen = 32
	// NAT-T 端口 (RFC 3948)
	nattPort = 4500
)

// initExchange IKE_SA_INIT 期间的协商材料
type initExchange struct {
	// spi 记录建立后归记录所有，此处置 nil
	spi   *sa.Spi
	nonce []byte
	ke    crypto.KeyExchange

	cookie        []byte
	cookieRetries int
	keRetried     bool

	reqPkt []byte
}

func (e *initExchange) release(s *Session) {
	if e.spi != nil && !e.spi.Released() {
		s.deps.Transport.UnregisterIKE(e.spi.Value())
		e.spi.Release()
	}
	e.spi = nil
}

func (s *Session) startInit() {
	spi, err := s.deps.SPIs.AllocateIKE(s.local.Addr())
	if err != nil {
		s.closeSession(internal("分配 IKE SPI", err))
		return
	}
	e := &initExchange{spi: spi}
	s.init = e
	if e.nonce, err = crypto.RandomBytesFrom(s.deps.Rand, nonceLen); err != nil {
		s.closeSession(internal("生成 nonce", err))
		return
	}
	if e.ke, err = crypto.NewKeyExchangeFrom(uint16(s.params.firstDHGroup()), s.deps.Rand); err != nil {
		s.closeSession(internal("生成 DH 密钥", err))
		return
	}
	s.deps.Transport.RegisterIKE(spi.Value(), s)
	s.transition(CreateIkeLocalIkeInit)
	s.log.Info("发起 IKE_SA_INIT", logger.SPI("spi", spi.Value()), logger.Stringer("remote", s.remote))
	s.sendInit()
}

func (s *Session) sendInit() {
	e := s.init
	var payloads []ikev2.Payload
	if e.cookie != nil {
		// COOKIE 必须是第一个载荷
		payloads = append(payloads, ikev2.NewNotify(ikev2.COOKIE, e.cookie))
	}
	payloads = append(payloads,
		&ikev2.SAPayload{Proposals: s.params.Proposals},
		&ikev2.KEPayload{DHGroup: ikev2.AlgorithmType(e.ke.Group()), KEData: e.ke.PublicKey()},
		&ikev2.NoncePayload{NonceData: e.nonce},
	)
	payloads = append(payloads, ikev2.NATDetectionPayloads(e.spi.Value(), 0, s.local, s.remote)...)
	payloads = append(payloads, ikev2.NewNotify(ikev2.IKEV2_FRAGMENTATION_SUPPORTED, nil))

	hdr := &ikev2.IKEHeader{
		SPIi:         e.spi.Value(),
		Version:      ikev2.IKEv2Version,
		ExchangeType: ikev2.IKE_SA_INIT,
		Flags:        ikev2.FlagInitiator,
	}
	pkt, err := ikev2.EncodeUnprotected(hdr, payloads)
	if err != nil {
		s.closeSession(internal("编码 IKE_SA_INIT", err))
		return
	}
	e.reqPkt = pkt
	s.sendPlainRequest(nil, pkt, func(msg *ikev2.Message) { s.handleInitResponse(msg) })
}

// handleInitPacket 明文的 IKE_SA_INIT 响应
func (s *Session) handleInitPacket(pkt []byte, hdr *ikev2.IKEHeader) {
	if s.state != CreateIkeLocalIkeInit || s.init == nil || s.pending == nil ||
		!hdr.IsResponse() || hdr.SPIi != s.init.spi.Value() || hdr.MessageID != 0 {
		s.log.Debug("丢弃无关的 IKE_SA_INIT")
		return
	}
	res := ikev2.DecodeUnprotected(pkt)
	if res.Status != ikev2.DecodeOK {
		s.log.Debug("丢弃无法解析的 IKE_SA_INIT 响应", logger.Err(res.Err))
		return
	}
	s.completeRequest(res.Message)
	s.afterInitResponse(res.FirstPacket)
}

// afterInitResponse 响应合法时进入 IKE_AUTH，原始报文参与 AUTH 计算
func (s *Session) afterInitResponse(respPkt []byte) {
	if s.state != CreateIkeLocalIkeInit || s.current == nil {
		return
	}
	e := s.init
	s.init = nil
	s.startAuth(e.reqPkt, respPkt, e.nonce, s.current.Nr)
}

func (s *Session) handleInitResponse(msg *ikev2.Message) {
	e := s.init
	payloads := msg.Payloads

	if n := ikev2.FindNotify(payloads, ikev2.COOKIE); n != nil {
		if e.cookieRetries >= maxCookieRetries {
			s.closeSession(fmt.Errorf("对端连续要求 COOKIE %d 次", e.cookieRetries+1))
			return
		}
		e.cookieRetries++
		e.cookie = append([]byte(nil), n.NotifyData...)
		s.log.Info("收到 COOKIE，重新发送 IKE_SA_INIT", logger.Int("len", len(e.cookie)))
		s.sendInit()
		return
	}

	if n := ikev2.FirstErrorNotify(payloads); n != nil {
		if n.NotifyType == ikev2.INVALID_KE_PAYLOAD && s.retryWithGroup(n.NotifyData) {
			return
		}
		s.closeSession(ikev2.ErrorFromNotify(n))
		return
	}

	rec, err := s.initRecord(msg)
	if err != nil {
		s.closeSession(err)
		return
	}
	e.spi = nil
	// IKE_SA_INIT 占用了消息 ID 0
	rec.IncrementLocalRequestMessageID()
	s.current = rec
	s.peerFragmentation = ikev2.FindNotify(payloads, ikev2.IKEV2_FRAGMENTATION_SUPPORTED) != nil

	nat := ikev2.DetectNAT(rec.InitiatorSPI, rec.ResponderSPI, payloads, s.local, s.remote)
	if nat.Detected() {
		s.log.Info("检测到 NAT，切换到 UDP 4500",
			logger.Bool("localBehindNAT", nat.LocalBehindNAT), logger.Bool("remoteBehindNAT", nat.RemoteBehindNAT))
		if err := s.switchToNATT(); err != nil {
			s.closeSession(internal("切换 NAT-T", err))
			return
		}
	}
}

// retryWithGroup 按对端要求的 DH 组重发一次，SPI 与 nonce 不变
func (s *Session) retryWithGroup(data []byte) bool {
	e := s.init
	if e.keRetried || len(data) != 2 {
		return false
	}
	g := ikev2.AlgorithmType(binary.BigEndian.Uint16(data))
	if uint16(g) == e.ke.Group() || !s.params.offersGroup(g) {
		return false
	}
	ke, err := crypto.NewKeyExchangeFrom(uint16(g), s.deps.Rand)
	if err != nil {
		return false
	}
	e.keRetried = true
	e.ke = ke
	s.log.Info("对端要求其他 DH 组", logger.Uint16("group", uint16(g)))
	s.sendInit()
	return true
}

func (s *Session) initRecord(msg *ikev2.Message) (*sa.IkeSaRecord, error) {
	e := s.init
	payloads := msg.Payloads
	if msg.Header.SPIr == 0 {
		return nil, ikev2.NewInvalidSyntax("响应方 SPI 为 0")
	}
	saP, _ := ikev2.FindPayload[*ikev2.SAPayload](payloads)
	alg, err := ikev2.ValidateChosen(saP, s.params.Proposals)
	if err != nil {
		return nil, err
	}
	ke, ok := ikev2.FindPayload[*ikev2.KEPayload](payloads)
	if !ok {
		return nil, ikev2.NewInvalidSyntax("缺少 KE")
	}
	if ke.DHGroup != alg.DH || uint16(alg.DH) != e.ke.Group() {
		return nil, ikev2.NewInvalidSyntax("KE 的 DH 组 %d 与协商结果 %d 不符", ke.DHGroup, alg.DH)
	}
	nr, ok := ikev2.FindPayload[*ikev2.NoncePayload](payloads)
	if !ok {
		return nil, ikev2.NewInvalidSyntax("缺少 Nonce")
	}
	shared, err := e.ke.SharedSecret(ke.KEData)
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
		LocalSPI:     e.spi,
		RemoteSPI:    msg.Header.SPIr,
		IsLocalInit:  true,
		Ni:           e.nonce,
		Nr:           nr.NonceData,
		SharedSecret: shared,
		PRF:          prf,
		Encr:         encr,
		Integ:        integ,
		Algorithms:   alg,
	})
	if err != nil {
		return nil, internal("派生 IKE 密钥", err)
	}
	s.log.Info("IKE_SA_INIT 完成", logger.SPI("spiR", msg.Header.SPIr), logger.Stringer("alg", alg))
	return rec, nil
}

// newIkeRecord 创建记录并挂上生命周期定时器
func (s *Session) newIkeRecord(p sa.IkeSaParams) (*sa.IkeSaRecord, error) {
	var rec *sa.IkeSaRecord
	p.Lifetime = s.newIkeLifetime(&rec)
	r, err := sa.NewIkeSaRecord(p)
	if err != nil {
		return nil, err
	}
	rec = r
	return r, nil
}

func (s *Session) switchToNATT() error {
	local, err := s.deps.Transport.SwitchToNATT()
	if err != nil {
		return err
	}
	s.local = local
	s.remote = netip.AddrPortFrom(s.remote.Addr(), nattPort)
	s.natt = true
	return nil
}
