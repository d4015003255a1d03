package ikev2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	IKE_HEADER_LEN = 28
)

// IKE 头部格式 (RFC 7296 3.1 节)
type IKEHeader struct {
	SPIi         uint64       // 发起方 SPI (8 字节)
	SPIr         uint64       // 响应方 SPI (8 字节)
	NextPayload  PayloadType  // 下一个载荷 (1 字节)
	Version      uint8        // 主版本 (4 位) + 次版本 (4 位)
	ExchangeType ExchangeType // 交换类型 (1 字节)
	Flags        uint8        // 标志位 (1 字节)
	MessageID    uint32       // 消息 ID (4 字节)
	Length       uint32       // 长度 (4 字节)
}

const (
	FlagInitiator = 1 << 3 // I (发起方)
	FlagVersion   = 1 << 4 // V (版本) - 对于 IKEv2 应为 0
	FlagResponse  = 1 << 5 // R (响应)
)

func (h *IKEHeader) Encode() []byte {
	buf := make([]byte, IKE_HEADER_LEN)
	binary.BigEndian.PutUint64(buf[0:8], h.SPIi)
	binary.BigEndian.PutUint64(buf[8:16], h.SPIr)
	buf[16] = uint8(h.NextPayload)
	buf[17] = h.Version
	buf[18] = uint8(h.ExchangeType)
	buf[19] = h.Flags
	binary.BigEndian.PutUint32(buf[20:24], h.MessageID)
	binary.BigEndian.PutUint32(buf[24:28], h.Length)
	return buf
}

func DecodeHeader(data []byte) (*IKEHeader, error) {
	if len(data) < IKE_HEADER_LEN {
		return nil, errors.New("数据包太短，无法包含 IKE 头部")
	}

	h := &IKEHeader{
		SPIi:         binary.BigEndian.Uint64(data[0:8]),
		SPIr:         binary.BigEndian.Uint64(data[8:16]),
		NextPayload:  PayloadType(data[16]),
		Version:      data[17],
		ExchangeType: ExchangeType(data[18]),
		Flags:        data[19],
		MessageID:    binary.BigEndian.Uint32(data[20:24]),
		Length:       binary.BigEndian.Uint32(data[24:28]),
	}
	return h, nil
}

// IsResponse R 标志
func (h *IKEHeader) IsResponse() bool { return h.Flags&FlagResponse != 0 }

// FromInitiator I 标志表示发送方是 IKE SA 的原始发起方
func (h *IKEHeader) FromInitiator() bool { return h.Flags&FlagInitiator != 0 }

// LocalSPI 接收方视角的本端 SPI: 发送方是发起方时本端为响应方
func (h *IKEHeader) LocalSPI() uint64 {
	if h.FromInitiator() {
		return h.SPIr
	}
	return h.SPIi
}

// Validate 检查版本与长度字段
func (h *IKEHeader) Validate(packetLen int) error {
	if h.Version>>4 != 2 {
		return fmt.Errorf("不支持的主版本: %x", h.Version)
	}
	if int(h.Length) != packetLen {
		return fmt.Errorf("IKE 长度字段 %d 与数据包长度 %d 不符", h.Length, packetLen)
	}
	return nil
}

func (h *IKEHeader) String() string {
	return fmt.Sprintf("IKE Header: SPIi=%016x SPIr=%016x Next=%s Ver=%x Exch=%s Flags=%b MsgID=%d Len=%d",
		h.SPIi, h.SPIr, h.NextPayload, h.Version, h.ExchangeType, h.Flags, h.MessageID, h.Length)
}
