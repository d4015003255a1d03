package ikev2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type Payload interface {
	Type() PayloadType
	// Encode 只编码载荷主体，通用头部由载荷链统一生成
	Encode() ([]byte, error)
}

// 通用载荷头部 (RFC 7296 3.2 节)
type PayloadHeader struct {
	NextPayload   PayloadType
	Critical      bool
	Reserved      uint8 // 7 位
	PayloadLength uint16
}

const PAYLOAD_HEADER_LEN = 4

func (h *PayloadHeader) Encode() []byte {
	buf := make([]byte, PAYLOAD_HEADER_LEN)
	buf[0] = uint8(h.NextPayload)
	if h.Critical {
		buf[1] = 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLength)
	return buf
}

func DecodePayloadHeader(data []byte) (*PayloadHeader, error) {
	if len(data) < PAYLOAD_HEADER_LEN {
		return nil, errors.New("通用载荷头部太短")
	}
	return &PayloadHeader{
		NextPayload:   PayloadType(data[0]),
		Critical:      (data[1] & 0x80) != 0,
		Reserved:      data[1] & 0x7F,
		PayloadLength: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// RawPayload 用于未识别的非关键载荷 (如 V)
type RawPayload struct {
	PType PayloadType
	Data  []byte
}

func (p *RawPayload) Type() PayloadType       { return p.PType }
func (p *RawPayload) Encode() ([]byte, error) { return p.Data, nil }

// EncodePayloads 编码载荷链，返回首个载荷类型与链字节
func EncodePayloads(payloads []Payload) (PayloadType, []byte, error) {
	if len(payloads) == 0 {
		return NoNextPayload, nil, nil
	}
	var out []byte
	for i, pl := range payloads {
		next := NoNextPayload
		if i < len(payloads)-1 {
			next = payloads[i+1].Type()
		}
		body, err := pl.Encode()
		if err != nil {
			return NoNextPayload, nil, fmt.Errorf("编码载荷 %s 失败: %w", pl.Type(), err)
		}
		if PAYLOAD_HEADER_LEN+len(body) > 0xffff {
			return NoNextPayload, nil, fmt.Errorf("载荷 %s 过长", pl.Type())
		}
		h := &PayloadHeader{NextPayload: next, PayloadLength: uint16(PAYLOAD_HEADER_LEN + len(body))}
		out = append(out, h.Encode()...)
		out = append(out, body...)
	}
	return payloads[0].Type(), out, nil
}

// DecodePayloads 从 firstType 开始解析载荷链
// 遇到未知的关键载荷返回 UNSUPPORTED_CRITICAL_PAYLOAD
func DecodePayloads(firstType PayloadType, data []byte) ([]Payload, error) {
	var payloads []Payload
	offset := 0
	next := firstType

	for next != NoNextPayload {
		if offset+PAYLOAD_HEADER_LEN > len(data) {
			return nil, NewInvalidSyntax("载荷 %s 头部被截断", next)
		}
		gh, err := DecodePayloadHeader(data[offset : offset+PAYLOAD_HEADER_LEN])
		if err != nil {
			return nil, NewInvalidSyntax("%v", err)
		}
		length := int(gh.PayloadLength)
		if length < PAYLOAD_HEADER_LEN || offset+length > len(data) {
			return nil, NewInvalidSyntax("载荷 %s 长度非法: %d", next, length)
		}
		body := data[offset+PAYLOAD_HEADER_LEN : offset+length]

		p, err := decodePayloadBody(next, body)
		if err != nil {
			return nil, NewInvalidSyntax("解码载荷 %s 失败: %v", next, err)
		}
		if p == nil {
			if gh.Critical {
				return nil, &ProtocolError{
					Notify: UNSUPPORTED_CRITICAL_PAYLOAD,
					Data:   []byte{uint8(next)},
					Msg:    fmt.Sprintf("不支持的关键载荷 %s", next),
				}
			}
			p = &RawPayload{PType: next, Data: body}
		}
		payloads = append(payloads, p)

		next = gh.NextPayload
		offset += length
	}
	return payloads, nil
}

// decodePayloadBody 未知类型返回 (nil, nil)
func decodePayloadBody(t PayloadType, body []byte) (Payload, error) {
	switch t {
	case SA:
		return DecodePayloadSA(body)
	case KE:
		return DecodePayloadKE(body)
	case NiNr:
		return DecodePayloadNonce(body)
	case IDi, IDr:
		return DecodePayloadID(body, t == IDi)
	case CERT:
		return DecodePayloadCert(body)
	case CERTREQ:
		return DecodePayloadCertReq(body)
	case AUTH:
		return DecodePayloadAuth(body)
	case EAP:
		return DecodePayloadEAP(body)
	case N:
		return DecodePayloadNotify(body)
	case D:
		return DecodePayloadDelete(body)
	case TSI, TSR:
		return DecodePayloadTS(body, t == TSI)
	case CP:
		return DecodePayloadCP(body)
	case V:
		return &RawPayload{PType: V, Data: body}, nil
	default:
		return nil, nil
	}
}
