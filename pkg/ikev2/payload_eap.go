package ikev2

import "errors"

// EAP 载荷 (RFC 7296 3.16 节)，内容原样转交认证器
type EAPPayload struct {
	EAPMessage []byte
}

func (p *EAPPayload) Type() PayloadType { return EAP }

func (p *EAPPayload) Encode() ([]byte, error) {
	return p.EAPMessage, nil
}

// Code 1=Request 2=Response 3=Success 4=Failure
func (p *EAPPayload) Code() uint8 {
	if len(p.EAPMessage) == 0 {
		return 0
	}
	return p.EAPMessage[0]
}

func DecodePayloadEAP(data []byte) (*EAPPayload, error) {
	// Code(1) + Identifier(1) + Length(2)
	if len(data) < 4 {
		return nil, errors.New("EAP 载荷太短")
	}
	return &EAPPayload{EAPMessage: data}, nil
}
