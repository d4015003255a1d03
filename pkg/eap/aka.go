package eap

import (
	"errors"
	"fmt"

	eapaka "github.com/oyaguma3/go-eapaka"
	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sim"
)

// AT_CLIENT_ERROR_CODE 0: unable to process packet
const clientErrorUnableToProcess = 0

// AKAAuthenticator EAP-AKA 对端 (RFC 4187)，供 IKE_AUTH 转交 EAP 消息
type AKAAuthenticator struct {
	// identity 用于 EAP-Response/Identity、AT_IDENTITY 与 MK 派生
	identity string
	sim      sim.Provider
	log      *zap.Logger

	msk []byte
}

// NewAKAAuthenticator identity 一般为 0<IMSI>@nai.epc.mnc<MNC>.mcc<MCC>.3gppnetwork.org
func NewAKAAuthenticator(identity string, p sim.Provider, log *zap.Logger) *AKAAuthenticator {
	return &AKAAuthenticator{
		identity: identity,
		sim:      p,
		log:      logger.OrNop(log).Named("eap-aka"),
	}
}

// MSK 挑战成功后有效
func (a *AKAAuthenticator) MSK() []byte {
	return a.msk
}

// Respond 处理 EAP Request
func (a *AKAAuthenticator) Respond(req []byte) ([]byte, error) {
	h, err := ParseHeader(req)
	if err != nil {
		return nil, err
	}
	if h.Code != CodeRequest {
		return nil, fmt.Errorf("期望 EAP Request，收到 Code %d", h.Code)
	}
	req = req[:h.Length]

	switch h.Type {
	case TypeIdentity:
		a.log.Debug("EAP Identity", logger.String("identity", a.identity))
		return IdentityResponse(h.Identifier, a.identity), nil
	case TypeNotification:
		return encodeResponse(h.Identifier, TypeNotification, nil), nil
	case TypeAKA:
		return a.respondAKA(h, req)
	default:
		a.log.Info("不支持的 EAP 方法，回复 Nak", logger.Int("type", int(h.Type)))
		return NakResponse(h.Identifier, TypeAKA), nil
	}
}

func (a *AKAAuthenticator) respondAKA(h *Header, req []byte) ([]byte, error) {
	if len(req) < 8 {
		return nil, errors.New("EAP-AKA 报文过短")
	}
	if req[5] == subtypeAKAIdentity {
		return a.respondIdentity(h, req[8:])
	}

	pkt, err := eapaka.Parse(req)
	if err != nil {
		a.log.Warn("解析 EAP-AKA 失败", logger.Err(err))
		return a.clientError(h.Identifier)
	}
	switch pkt.Subtype {
	case eapaka.SubtypeChallenge:
		return a.respondChallenge(pkt)
	case eapaka.SubtypeNotification:
		return (&eapaka.Packet{
			Code:       eapaka.CodeResponse,
			Identifier: pkt.Identifier,
			Type:       eapaka.TypeAKA,
			Subtype:    eapaka.SubtypeNotification,
		}).Marshal()
	default:
		a.log.Warn("不支持的 EAP-AKA 子类型", logger.Int("subtype", int(pkt.Subtype)))
		return a.clientError(h.Identifier)
	}
}

func (a *AKAAuthenticator) respondIdentity(h *Header, attrs []byte) ([]byte, error) {
	for _, typ := range []uint8{AT_PERMANENT_ID_REQ, AT_FULLAUTH_ID_REQ, AT_ANY_ID_REQ} {
		ok, err := hasAttribute(attrs, typ)
		if err != nil {
			return a.clientError(h.Identifier)
		}
		if ok {
			// 不使用假名，总是回复永久身份
			return akaIdentityResponse(h.Identifier, a.identity), nil
		}
	}
	return a.clientError(h.Identifier)
}

func (a *AKAAuthenticator) respondChallenge(pkt *eapaka.Packet) ([]byte, error) {
	atRand, ok1 := attribute[*eapaka.AtRand](pkt)
	atAutn, ok2 := attribute[*eapaka.AtAutn](pkt)
	if !ok1 || !ok2 {
		a.log.Warn("AKA-Challenge 缺少 AT_RAND/AT_AUTN")
		return a.clientError(pkt.Identifier)
	}

	res, ck, ik, auts, err := a.sim.CalculateAKA(atRand.Rand, atAutn.Autn)
	switch {
	case errors.Is(err, sim.ErrSIMNotPresent):
		// 无法代表用户作答，交给 IKE 会话结束认证
		return nil, err
	case errors.Is(err, sim.ErrSyncFailure):
		a.log.Info("SQN 不同步，发送 AUTS")
		return (&eapaka.Packet{
			Code:       eapaka.CodeResponse,
			Identifier: pkt.Identifier,
			Type:       eapaka.TypeAKA,
			Subtype:    eapaka.SubtypeSynchronizationFailure,
			Attributes: []eapaka.Attribute{&eapaka.AtAuts{Auts: auts}},
		}).Marshal()
	case err != nil:
		// AUTN 校验失败即网络不可信
		a.log.Warn("AUTN 校验失败", logger.Err(err))
		return (&eapaka.Packet{
			Code:       eapaka.CodeResponse,
			Identifier: pkt.Identifier,
			Type:       eapaka.TypeAKA,
			Subtype:    eapaka.SubtypeAuthenticationReject,
		}).Marshal()
	}

	keys := eapaka.DeriveKeysAKA(a.identity, ck, ik)
	ok, err := pkt.VerifyMac(keys.K_aut)
	if err != nil || !ok {
		a.log.Warn("AT_MAC 校验失败", logger.Err(err))
		return a.clientError(pkt.Identifier)
	}

	resp := &eapaka.Packet{
		Code:       eapaka.CodeResponse,
		Identifier: pkt.Identifier,
		Type:       eapaka.TypeAKA,
		Subtype:    eapaka.SubtypeChallenge,
		Attributes: []eapaka.Attribute{
			&eapaka.AtRes{Res: res},
			&eapaka.AtMac{MAC: make([]byte, 16)},
		},
	}
	if err := resp.CalculateAndSetMac(keys.K_aut); err != nil {
		return nil, fmt.Errorf("计算 AT_MAC 失败: %w", err)
	}
	out, err := resp.Marshal()
	if err != nil {
		return nil, err
	}
	a.msk = keys.MSK
	a.log.Info("AKA-Challenge 完成")
	return out, nil
}

func (a *AKAAuthenticator) clientError(id uint8) ([]byte, error) {
	return (&eapaka.Packet{
		Code:       eapaka.CodeResponse,
		Identifier: id,
		Type:       eapaka.TypeAKA,
		Subtype:    eapaka.SubtypeClientError,
		Attributes: []eapaka.Attribute{&eapaka.AtClientErrorCode{Code: clientErrorUnableToProcess}},
	}).Marshal()
}

func attribute[T eapaka.Attribute](pkt *eapaka.Packet) (T, bool) {
	var zero T
	for _, attr := range pkt.Attributes {
		if v, ok := attr.(T); ok {
			return v, true
		}
	}
	return zero, false
}
