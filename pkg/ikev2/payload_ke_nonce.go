package ikev2

import (
	"encoding/binary"
	"errors"
)

// 密钥交换载荷 (RFC 7296 3.4 节)
type KEPayload struct {
	DHGroup AlgorithmType
	KEData  []byte
}

func (p *KEPayload) Type() PayloadType { return KE }

func (p *KEPayload) Encode() ([]byte, error) {
	// DH 组 (2) + 保留 (2) + 数据
	buf := make([]byte, 4+len(p.KEData))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.DHGroup))
	copy(buf[4:], p.KEData)
	return buf, nil
}

func DecodePayloadKE(data []byte) (*KEPayload, error) {
	if len(data) < 4 {
		return nil, errors.New("KE 载荷太短")
	}
	return &KEPayload{
		DHGroup: AlgorithmType(binary.BigEndian.Uint16(data[0:2])),
		KEData:  data[4:],
	}, nil
}

// Nonce 载荷 (RFC 7296 3.9 节)，长度 16-256 字节
type NoncePayload struct {
	NonceData []byte
}

const (
	MinNonceLen = 16
	MaxNonceLen = 256
)

func (p *NoncePayload) Type() PayloadType { return NiNr }

func (p *NoncePayload) Encode() ([]byte, error) {
	return p.NonceData, nil
}

func DecodePayloadNonce(data []byte) (*NoncePayload, error) {
	if len(data) < MinNonceLen || len(data) > MaxNonceLen {
		return nil, errors.New("Nonce 长度非法")
	}
	return &NoncePayload{NonceData: data}, nil
}
