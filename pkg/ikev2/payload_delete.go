package ikev2

import (
	"encoding/binary"
	"errors"
)

// 删除载荷 (RFC 7296 3.11 节)
type DeletePayload struct {
	ProtocolID ProtocolID
	SPISize    uint8
	NumSPIs    uint16
	SPIs       []byte // SPISize * NumSPIs
}

func (p *DeletePayload) Type() PayloadType { return D }

func (p *DeletePayload) Encode() ([]byte, error) {
	buf := make([]byte, 4+len(p.SPIs))
	buf[0] = uint8(p.ProtocolID)
	buf[1] = p.SPISize
	binary.BigEndian.PutUint16(buf[2:4], p.NumSPIs)
	copy(buf[4:], p.SPIs)
	return buf, nil
}

// NewDeleteIKE 删除 IKE SA，不带 SPI
func NewDeleteIKE() *DeletePayload {
	return &DeletePayload{ProtocolID: ProtoIKE}
}

// NewDeleteChild 删除一个或多个 ESP SA，SPI 为入站 SPI
func NewDeleteChild(spis ...uint32) *DeletePayload {
	buf := make([]byte, 0, 4*len(spis))
	for _, s := range spis {
		buf = binary.BigEndian.AppendUint32(buf, s)
	}
	return &DeletePayload{
		ProtocolID: ProtoESP,
		SPISize:    4,
		NumSPIs:    uint16(len(spis)),
		SPIs:       buf,
	}
}

// ChildSPIs 解析 4 字节 SPI 列表
func (p *DeletePayload) ChildSPIs() []uint32 {
	if p.SPISize != 4 {
		return nil
	}
	out := make([]uint32, 0, p.NumSPIs)
	for i := 0; i+4 <= len(p.SPIs); i += 4 {
		out = append(out, binary.BigEndian.Uint32(p.SPIs[i:i+4]))
	}
	return out
}

func DecodePayloadDelete(data []byte) (*DeletePayload, error) {
	if len(data) < 4 {
		return nil, errors.New("删除载荷太短")
	}

	protoID := ProtocolID(data[0])
	spiSize := data[1]
	numSPIs := binary.BigEndian.Uint16(data[2:4])

	switch protoID {
	case ProtoIKE:
		if spiSize != 0 || numSPIs != 0 {
			return nil, errors.New("删除 IKE SA 不应携带 SPI")
		}
	case ProtoAH, ProtoESP:
		if spiSize != 4 {
			return nil, errors.New("删除 Child SA 的 SPI 长度必须为 4")
		}
	default:
		return nil, errors.New("删除载荷协议 ID 非法")
	}

	expectedLen := 4 + int(spiSize)*int(numSPIs)
	if len(data) != expectedLen {
		return nil, errors.New("删除载荷长度与 SPI 数量不符")
	}

	return &DeletePayload{
		ProtocolID: protoID,
		SPISize:    spiSize,
		NumSPIs:    numSPIs,
		SPIs:       data[4:expectedLen],
	}, nil
}
