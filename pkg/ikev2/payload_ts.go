package ikev2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// 流量选择器载荷 (RFC 7296 3.13 节)
type TSPayload struct {
	IsInitiator      bool // TSi 或 TSr
	TrafficSelectors []*TrafficSelector
}

func (p *TSPayload) Type() PayloadType {
	if p.IsInitiator {
		return TSI
	}
	return TSR
}

func (p *TSPayload) Encode() ([]byte, error) {
	// TS 数量 (1) + 保留 (3) + TS
	buf := make([]byte, 4)
	buf[0] = uint8(len(p.TrafficSelectors))
	for _, ts := range p.TrafficSelectors {
		buf = append(buf, ts.Encode()...)
	}
	return buf, nil
}

// 流量选择器子结构
type TrafficSelector struct {
	TSType     uint8
	IPProtocol uint8
	StartPort  uint16
	EndPort    uint16
	StartAddr  []byte // IPv4 4 字节, IPv6 16 字节
	EndAddr    []byte
}

const (
	TS_IPV4_ADDR_RANGE = 7
	TS_IPV6_ADDR_RANGE = 8
)

// NewTrafficSelector 地址区间 + 端口区间，proto 0 表示任意
func NewTrafficSelector(start, end netip.Addr, startPort, endPort uint16, proto uint8) *TrafficSelector {
	ts := &TrafficSelector{
		IPProtocol: proto,
		StartPort:  startPort,
		EndPort:    endPort,
	}
	if start.Is4() {
		s, e := start.As4(), end.As4()
		ts.TSType = TS_IPV4_ADDR_RANGE
		ts.StartAddr, ts.EndAddr = s[:], e[:]
	} else {
		s, e := start.As16(), end.As16()
		ts.TSType = TS_IPV6_ADDR_RANGE
		ts.StartAddr, ts.EndAddr = s[:], e[:]
	}
	return ts
}

// TrafficSelectorFromPrefix 覆盖整个前缀、全部端口和协议
func TrafficSelectorFromPrefix(p netip.Prefix) *TrafficSelector {
	p = p.Masked()
	start := p.Addr()
	end := lastAddr(p)
	return NewTrafficSelector(start, end, 0, 65535, 0)
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().AsSlice()
	bits := p.Bits()
	for i := range b {
		for j := 0; j < 8; j++ {
			if i*8+j >= bits {
				b[i] |= 0x80 >> j
			}
		}
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

func (ts *TrafficSelector) Start() netip.Addr {
	a, _ := netip.AddrFromSlice(ts.StartAddr)
	return a
}

func (ts *TrafficSelector) End() netip.Addr {
	a, _ := netip.AddrFromSlice(ts.EndAddr)
	return a
}

// Covers 判断 other 是否为 ts 的子集 (RFC 7296 2.9 收窄)
func (ts *TrafficSelector) Covers(other *TrafficSelector) bool {
	if ts.TSType != other.TSType {
		return false
	}
	if ts.IPProtocol != 0 && ts.IPProtocol != other.IPProtocol {
		return false
	}
	if other.StartPort < ts.StartPort || other.EndPort > ts.EndPort {
		return false
	}
	return ts.Start().Compare(other.Start()) <= 0 && ts.End().Compare(other.End()) >= 0
}

func (ts *TrafficSelector) String() string {
	return fmt.Sprintf("%s-%s[%d]:%d-%d", ts.Start(), ts.End(), ts.IPProtocol, ts.StartPort, ts.EndPort)
}

func (ts *TrafficSelector) Encode() []byte {
	length := 16
	if ts.TSType == TS_IPV6_ADDR_RANGE {
		length = 40
	}

	buf := make([]byte, length)
	buf[0] = ts.TSType
	buf[1] = ts.IPProtocol
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], ts.StartPort)
	binary.BigEndian.PutUint16(buf[6:8], ts.EndPort)

	if ts.TSType == TS_IPV4_ADDR_RANGE {
		copy(buf[8:12], ts.StartAddr)
		copy(buf[12:16], ts.EndAddr)
	} else {
		copy(buf[8:24], ts.StartAddr)
		copy(buf[24:40], ts.EndAddr)
	}
	return buf
}

func DecodePayloadTS(data []byte, isInitiator bool) (*TSPayload, error) {
	if len(data) < 4 {
		return nil, errors.New("TS 载荷太短")
	}
	tsCount := int(data[0])
	if tsCount == 0 {
		return nil, errors.New("TS 载荷不含选择器")
	}
	offset := 4

	out := &TSPayload{
		IsInitiator:      isInitiator,
		TrafficSelectors: make([]*TrafficSelector, 0, tsCount),
	}

	for i := 0; i < tsCount; i++ {
		if offset+8 > len(data) {
			return nil, errors.New("TS 载荷对于选择器头部来说太短")
		}
		tType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if length < 8 || offset+length > len(data) {
			return nil, errors.New("TS 载荷对于选择器主体来说太短")
		}
		rest := data[offset+8 : offset+length]

		var startAddr, endAddr []byte
		switch tType {
		case TS_IPV4_ADDR_RANGE:
			if length != 16 {
				return nil, errors.New("TS IPv4 选择器长度非法")
			}
			startAddr = append([]byte(nil), rest[0:4]...)
			endAddr = append([]byte(nil), rest[4:8]...)
		case TS_IPV6_ADDR_RANGE:
			if length != 40 {
				return nil, errors.New("TS IPv6 选择器长度非法")
			}
			startAddr = append([]byte(nil), rest[0:16]...)
			endAddr = append([]byte(nil), rest[16:32]...)
		default:
			return nil, fmt.Errorf("不支持的 TS 类型: %d", tType)
		}

		out.TrafficSelectors = append(out.TrafficSelectors, &TrafficSelector{
			TSType:     tType,
			IPProtocol: data[offset+1],
			StartPort:  binary.BigEndian.Uint16(data[offset+4 : offset+6]),
			EndPort:    binary.BigEndian.Uint16(data[offset+6 : offset+8]),
			StartAddr:  startAddr,
			EndAddr:    endAddr,
		})
		offset += length
	}

	return out, nil
}
