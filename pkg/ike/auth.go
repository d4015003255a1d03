package ike

import (
	"crypto/x509"
	"net/netip"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
)

// EAP 消息类型
const (
	eapRequest = 1
	eapSuccess = 3
	eapFailure = 4
)

// authExchange IKE_AUTH 期间的材料
// initReq/initResp 为 IKE_SA_INIT 的原始报文，即 AUTH 签名中的 RealMessage
type authExchange struct {
	initReq  []byte
	initResp []byte
	ni, nr   []byte
	idi      *ikev2.IDPayload
	idrBody  []byte
	remoteID string
	msk      []byte
}

func (a *authExchange) release() {
	crypto.ZeroBytes(a.msk)
	a.msk = nil
}

func (s *Session) startAuth(initReq, initResp, ni, nr []byte) {
	a := &authExchange{
		initReq:  initReq,
		initResp: initResp,
		ni:       append([]byte(nil), ni...),
		nr:       append([]byte(nil), nr...),
		idi:      ikev2.NewIDFromString(s.params.LocalID, true),
	}
	s.auth = a

	payloads := []ikev2.Payload{a.idi}
	if s.params.Auth.Method == AuthSignature {
		payloads = append(payloads, &ikev2.CertPayload{
			Encoding: ikev2.CertEncodingX509Signature,
			Data:     s.params.Auth.Certificate.Raw,
		})
	}
	if s.params.RemoteID != "" {
		payloads = append(payloads, ikev2.NewIDFromString(s.params.RemoteID, false))
	}
	switch {
	case s.params.Auth.Method != AuthEAP:
		auth, err := s.localAuth()
		if err != nil {
			s.fatal(internal("计算 AUTH", err))
			return
		}
		payloads = append(payloads, auth)
	case s.params.Auth.EAPOnly:
		payloads = append(payloads, ikev2.NewNotify(ikev2.EAP_ONLY_AUTHENTICATION, nil))
	}

	if s.params.FirstChild != nil {
		c := s.addChild(s.allocHandle(), s.params.FirstChild, s.firstChildCB)
		childPayloads, err := c.BuildFirstChildRequest()
		if err != nil {
			s.fatal(internal("构造第一个 Child", err))
			return
		}
		s.firstChild = c
		payloads = append(payloads, childPayloads...)
	}

	s.transition(CreateIkeLocalIkeAuth)
	s.log.Info("发起 IKE_AUTH", logger.Stringer("method", s.params.Auth.Method))
	s.sendRequest(s.current, ikev2.IKE_AUTH, payloads, s.handleAuthResponse)
}

// localAuth 本端 AUTH: RealMessage1 | Nr | prf(SK_pi, IDi)
func (s *Session) localAuth() (*ikev2.AuthPayload, error) {
	a := s.auth
	rec := s.current
	octets := crypto.SignedOctets(rec.PRF, a.initReq, a.nr, rec.LocalSKp(), a.idi.Body())
	switch s.params.Auth.Method {
	case AuthPSK:
		return &ikev2.AuthPayload{
			AuthMethod: ikev2.AuthMethodSharedKey,
			AuthData:   crypto.ComputePSKAuth(rec.PRF, s.params.Auth.PSK, octets),
		}, nil
	case AuthSignature:
		method, data, err := crypto.SignAuth(s.params.Auth.Signer, octets)
		if err != nil {
			return nil, err
		}
		return &ikev2.AuthPayload{AuthMethod: method, AuthData: data}, nil
	default:
		return &ikev2.AuthPayload{
			AuthMethod: ikev2.AuthMethodSharedKey,
			AuthData:   crypto.ComputePSKAuth(rec.PRF, s.eapSecret(rec.LocalSKp()), octets),
		}, nil
	}
}

// eapSecret EAP 方法不导出 MSK 时使用 SK_p (RFC 7296 2.16)
func (s *Session) eapSecret(skp []byte) []byte {
	if len(s.auth.msk) > 0 {
		return s.auth.msk
	}
	return skp
}

// verifyPeerAuth 对端 AUTH: RealMessage2 | Ni | prf(SK_pr, IDr)
func (s *Session) verifyPeerAuth(payloads []ikev2.Payload, postEAP bool) error {
	a := s.auth
	rec := s.current
	auth, ok := ikev2.FindPayload[*ikev2.AuthPayload](payloads)
	if !ok {
		return ikev2.NewAuthenticationFailed("缺少 AUTH 载荷")
	}
	octets := crypto.SignedOctets(rec.PRF, a.initResp, a.ni, rec.RemoteSKp(), a.idrBody)

	if postEAP {
		if auth.AuthMethod != ikev2.AuthMethodSharedKey {
			return ikev2.NewAuthenticationFailed("EAP 之后的 AUTH 方法 %s 非法", ikev2.AuthMethodName(auth.AuthMethod))
		}
		if err := crypto.VerifyPSKAuth(rec.PRF, s.eapSecret(rec.RemoteSKp()), octets, auth.AuthData); err != nil {
			return ikev2.NewAuthenticationFailed("%v", err)
		}
		return nil
	}

	if auth.AuthMethod == ikev2.AuthMethodSharedKey {
		if len(s.params.Auth.PSK) == 0 {
			return ikev2.NewAuthenticationFailed("对端使用共享密钥但本端未配置")
		}
		if err := crypto.VerifyPSKAuth(rec.PRF, s.params.Auth.PSK, octets, auth.AuthData); err != nil {
			return ikev2.NewAuthenticationFailed("%v", err)
		}
		return nil
	}

	certP, ok := ikev2.FindPayload[*ikev2.CertPayload](payloads)
	if !ok || certP.Encoding != ikev2.CertEncodingX509Signature {
		return ikev2.NewAuthenticationFailed("签名认证缺少 X.509 证书")
	}
	cert, err := x509.ParseCertificate(certP.Data)
	if err != nil {
		return ikev2.NewAuthenticationFailed("证书解析失败: %v", err)
	}
	if roots := s.params.Auth.RemoteRoots; roots != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
			return ikev2.NewAuthenticationFailed("证书校验失败: %v", err)
		}
	}
	if err := crypto.VerifyAuth(auth.AuthMethod, cert.PublicKey, octets, auth.AuthData); err != nil {
		return ikev2.NewAuthenticationFailed("%v", err)
	}
	return nil
}

// authFailure 响应中没有可用的认证结果
func authFailure(payloads []ikev2.Payload, msg string) error {
	if n := ikev2.FirstErrorNotify(payloads); n != nil {
		return ikev2.ErrorFromNotify(n)
	}
	return ikev2.NewAuthenticationFailed("%s", msg)
}

func (s *Session) handleAuthResponse(msg *ikev2.Message) {
	a := s.auth
	payloads := msg.Payloads

	idr := ikev2.FindID(payloads, false)
	if idr == nil {
		s.fatal(authFailure(payloads, "缺少 IDr"))
		return
	}
	a.idrBody = idr.Body()
	a.remoteID = idString(idr)

	_, hasAuth := ikev2.FindPayload[*ikev2.AuthPayload](payloads)
	if s.params.Auth.Method == AuthEAP {
		eap, ok := ikev2.FindPayload[*ikev2.EAPPayload](payloads)
		if !ok {
			s.fatal(authFailure(payloads, "期望 EAP 载荷"))
			return
		}
		switch {
		case hasAuth:
			if err := s.verifyPeerAuth(payloads, false); err != nil {
				s.fatal(err)
				return
			}
		case !s.params.Auth.EAPOnly:
			s.fatal(ikev2.NewAuthenticationFailed("对端未提供 AUTH"))
			return
		}
		s.transition(CreateIkeLocalIkeAuthInEap)
		s.handleEAPRequest(eap)
		return
	}

	if !hasAuth {
		s.fatal(authFailure(payloads, "缺少 AUTH 载荷"))
		return
	}
	if err := s.verifyPeerAuth(payloads, false); err != nil {
		s.fatal(err)
		return
	}
	s.established(payloads)
}

// handleEAPRequest EAP 消息原样交给认证器
func (s *Session) handleEAPRequest(p *ikev2.EAPPayload) {
	switch p.Code() {
	case eapRequest:
		resp, err := s.params.Auth.EAP.Respond(p.EAPMessage)
		if err != nil {
			s.fatal(ikev2.NewAuthenticationFailed("EAP: %v", err))
			return
		}
		s.sendRequest(s.current, ikev2.IKE_AUTH, []ikev2.Payload{&ikev2.EAPPayload{EAPMessage: resp}}, s.handleEAPResponse)
	case eapSuccess:
		s.auth.msk = append([]byte(nil), s.params.Auth.EAP.MSK()...)
		s.transition(CreateIkeLocalIkeAuthPostEap)
		auth, err := s.localAuth()
		if err != nil {
			s.fatal(internal("计算 AUTH", err))
			return
		}
		s.log.Info("EAP 认证成功", logger.Bool("msk", len(s.auth.msk) > 0))
		s.sendRequest(s.current, ikev2.IKE_AUTH, []ikev2.Payload{auth}, s.handlePostEAPResponse)
	case eapFailure:
		s.fatal(ikev2.NewAuthenticationFailed("EAP 认证失败"))
	default:
		s.fatal(ikev2.NewInvalidSyntax("意外的 EAP Code %d", p.Code()))
	}
}

func (s *Session) handleEAPResponse(msg *ikev2.Message) {
	eap, ok := ikev2.FindPayload[*ikev2.EAPPayload](msg.Payloads)
	if !ok {
		s.fatal(authFailure(msg.Payloads, "期望 EAP 载荷"))
		return
	}
	s.handleEAPRequest(eap)
}

func (s *Session) handlePostEAPResponse(msg *ikev2.Message) {
	if _, ok := ikev2.FindPayload[*ikev2.AuthPayload](msg.Payloads); !ok {
		s.fatal(authFailure(msg.Payloads, "缺少 AUTH 载荷"))
		return
	}
	if err := s.verifyPeerAuth(msg.Payloads, true); err != nil {
		s.fatal(err)
		return
	}
	s.established(msg.Payloads)
}

// established 认证完成: 通知用户、处理第一个 Child、开始执行排队的过程
func (s *Session) established(payloads []ikev2.Payload) {
	a := s.auth
	a.release()
	s.current.ScheduleLifetimeExpiryAlarm()
	s.log.Info("IKE SA 已建立", logger.String("remoteID", a.remoteID), logger.Bool("natt", s.natt))
	cfg := s.configuration()
	s.deps.Sink.Post(func() { s.cb.OnOpened(cfg) })

	s.transition(Idle)
	if c := s.firstChild; c != nil {
		if err := c.HandleFirstChildExchange(payloads, a.ni, a.nr); err != nil {
			s.log.Warn("第一个 Child 建立失败", logger.Err(err))
		}
	}
	s.armDPD()
	for _, r := range s.preOpen {
		s.scheduler.AddRequest(r)
	}
	s.preOpen = nil
	s.maybeNextProcedure()
}

func idString(id *ikev2.IDPayload) string {
	switch id.IDType {
	case ikev2.ID_IPV4_ADDR, ikev2.ID_IPV6_ADDR:
		if addr, ok := netip.AddrFromSlice(id.IDData); ok {
			return addr.String()
		}
	case ikev2.ID_FQDN, ikev2.ID_RFC822_ADDR, ikev2.ID_KEY_ID:
		return string(id.IDData)
	}
	return ""
}
