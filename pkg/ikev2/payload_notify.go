package ikev2

import (
	"encoding/binary"
	"errors"
)

// 通知载荷 (RFC 7296 3.10 节)
type NotifyPayload struct {
	ProtocolID ProtocolID
	SPI        []byte
	NotifyType uint16
	NotifyData []byte
}

func (p *NotifyPayload) Type() PayloadType { return N }

func (p *NotifyPayload) Encode() ([]byte, error) {
	// 1 协议 ID + 1 SPI 大小 + 2 通知类型 + SPI + 数据
	spiLen := len(p.SPI)
	buf := make([]byte, 4+spiLen+len(p.NotifyData))
	buf[0] = uint8(p.ProtocolID)
	buf[1] = uint8(spiLen)
	binary.BigEndian.PutUint16(buf[2:4], p.NotifyType)
	copy(buf[4:], p.SPI)
	copy(buf[4+spiLen:], p.NotifyData)
	return buf, nil
}

// IsError 错误类型通知
func (p *NotifyPayload) IsError() bool {
	return IsErrorNotify(p.NotifyType)
}

// ChildSPI REKEY_SA 等通知里携带的 ESP SPI
func (p *NotifyPayload) ChildSPI() (uint32, bool) {
	if len(p.SPI) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.SPI), true
}

// NewNotify 不带 SPI 的 IKE 通知
func NewNotify(notifyType uint16, data []byte) *NotifyPayload {
	return &NotifyPayload{NotifyType: notifyType, NotifyData: data}
}

// NewRekeySANotify RFC 7296 1.3.3 REKEY_SA
func NewRekeySANotify(proto ProtocolID, spi uint32) *NotifyPayload {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return &NotifyPayload{ProtocolID: proto, SPI: b, NotifyType: REKEY_SA}
}

func DecodePayloadNotify(data []byte) (*NotifyPayload, error) {
	if len(data) < 4 {
		return nil, errors.New("通知载荷太短")
	}

	spiLen := int(data[1])
	if len(data) < 4+spiLen {
		return nil, errors.New("通知载荷对于 SPI 来说太短")
	}

	return &NotifyPayload{
		ProtocolID: ProtocolID(data[0]),
		NotifyType: binary.BigEndian.Uint16(data[2:4]),
		SPI:        data[4 : 4+spiLen],
		NotifyData: data[4+spiLen:],
	}, nil
}
