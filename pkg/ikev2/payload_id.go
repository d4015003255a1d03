package ikev2

import (
	"errors"
	"net/netip"
)

// 身份标识载荷 (RFC 7296 3.5 节)
type IDPayload struct {
	IDType      uint8
	IDData      []byte
	IsInitiator bool // 决定 Type() 返回 IDi 还是 IDr
}

const (
	ID_IPV4_ADDR   = 1
	ID_FQDN        = 2
	ID_RFC822_ADDR = 3
	ID_IPV6_ADDR   = 5
	ID_DER_ASN1_DN = 9
	ID_DER_ASN1_GN = 10
	ID_KEY_ID      = 11
)

func (p *IDPayload) Type() PayloadType {
	if p.IsInitiator {
		return IDi
	}
	return IDr
}

func (p *IDPayload) Encode() ([]byte, error) {
	// ID 类型 (1) + 保留 (3) + 数据
	buf := make([]byte, 4+len(p.IDData))
	buf[0] = p.IDType
	copy(buf[4:], p.IDData)
	return buf, nil
}

// Body 即 RestOfInitIDPayload / RestOfRespIDPayload，用于计算 AUTH
func (p *IDPayload) Body() []byte {
	b, _ := p.Encode()
	return b
}

// NewIDFromString 按内容推断 ID 类型: IP 地址, 含 @ 为 RFC822, 其余为 FQDN
func NewIDFromString(s string, initiator bool) *IDPayload {
	if addr, err := netip.ParseAddr(s); err == nil {
		if addr.Is4() {
			b := addr.As4()
			return &IDPayload{IDType: ID_IPV4_ADDR, IDData: b[:], IsInitiator: initiator}
		}
		b := addr.As16()
		return &IDPayload{IDType: ID_IPV6_ADDR, IDData: b[:], IsInitiator: initiator}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return &IDPayload{IDType: ID_RFC822_ADDR, IDData: []byte(s), IsInitiator: initiator}
		}
	}
	return &IDPayload{IDType: ID_FQDN, IDData: []byte(s), IsInitiator: initiator}
}

func DecodePayloadID(data []byte, isInitiator bool) (*IDPayload, error) {
	if len(data) < 4 {
		return nil, errors.New("ID 载荷太短")
	}
	return &IDPayload{
		IDType:      data[0],
		IDData:      data[4:],
		IsInitiator: isInitiator,
	}, nil
}
