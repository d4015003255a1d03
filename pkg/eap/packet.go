package eap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EAP 代码
const (
	CodeRequest  = 1
	CodeResponse = 2
	CodeSuccess  = 3
	CodeFailure  = 4
)

// EAP 类型
const (
	TypeIdentity     = 1
	TypeNotification = 2
	TypeNak          = 3
	TypeAKA          = 23 // EAP-AKA (RFC 4187)
)

// EAP-AKA 属性，go-eapaka 未覆盖的部分由本包编码
const (
	AT_PERMANENT_ID_REQ = 10
	AT_ANY_ID_REQ       = 13
	AT_IDENTITY         = 14
	AT_FULLAUTH_ID_REQ  = 17
)

const subtypeAKAIdentity = 5

// Header EAP 报文的固定部分
type Header struct {
	Code       uint8
	Identifier uint8
	Length     uint16
	// Type 仅 Request/Response 有效
	Type uint8
}

// ParseHeader 校验长度字段
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, errors.New("EAP 报文过短")
	}
	h := &Header{
		Code:       data[0],
		Identifier: data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
	}
	if int(h.Length) > len(data) || h.Length < 4 {
		return nil, fmt.Errorf("EAP 长度 %d 与数据 %d 不符", h.Length, len(data))
	}
	if h.Code == CodeRequest || h.Code == CodeResponse {
		if h.Length < 5 {
			return nil, errors.New("EAP 报文缺少 Type")
		}
		h.Type = data[4]
	}
	return h, nil
}

// encodeResponse Code=Response 的通用编码
func encodeResponse(id, typ uint8, data []byte) []byte {
	buf := make([]byte, 5+len(data))
	buf[0] = CodeResponse
	buf[1] = id
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[4] = typ
	copy(buf[5:], data)
	return buf
}

// IdentityResponse EAP-Response/Identity
func IdentityResponse(id uint8, identity string) []byte {
	return encodeResponse(id, TypeIdentity, []byte(identity))
}

// NakResponse Legacy Nak，声明只支持 desired
func NakResponse(id uint8, desired uint8) []byte {
	return encodeResponse(id, TypeNak, []byte{desired})
}

// akaIdentityResponse AKA-Identity 响应，携带 AT_IDENTITY
func akaIdentityResponse(id uint8, identity string) []byte {
	data := []byte{subtypeAKAIdentity, 0, 0}
	data = append(data, encodeAttribute(AT_IDENTITY, identityValue(identity))...)
	return encodeResponse(id, TypeAKA, data)
}

// identityValue AT_IDENTITY 的值: 2 字节实际长度 + 身份
func identityValue(identity string) []byte {
	v := make([]byte, 2+len(identity))
	binary.BigEndian.PutUint16(v, uint16(len(identity)))
	copy(v[2:], identity)
	return v
}

// encodeAttribute 长度以 4 字节为单位，值补零对齐
func encodeAttribute(typ uint8, value []byte) []byte {
	total := 2 + len(value)
	if pad := total % 4; pad != 0 {
		total += 4 - pad
	}
	buf := make([]byte, total)
	buf[0] = typ
	buf[1] = uint8(total / 4)
	copy(buf[2:], value)
	return buf
}

// hasAttribute 在 AKA 属性区查找 typ
func hasAttribute(attrs []byte, typ uint8) (bool, error) {
	for off := 0; off < len(attrs); {
		if off+2 > len(attrs) {
			return false, errors.New("属性头部截断")
		}
		n := int(attrs[off+1]) * 4
		if n == 0 || off+n > len(attrs) {
			return false, errors.New("属性长度非法")
		}
		if attrs[off] == typ {
			return true, nil
		}
		off += n
	}
	return false, nil
}
