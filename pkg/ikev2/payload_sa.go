package ikev2

import (
	"encoding/binary"
	"errors"
)

// SA 载荷 (RFC 7296 3.3 节)
type SAPayload struct {
	Proposals []*Proposal
}

func (p *SAPayload) Type() PayloadType { return SA }

func (p *SAPayload) Encode() ([]byte, error) {
	var body []byte
	for i, prop := range p.Proposals {
		prop.LastProposal = i == len(p.Proposals)-1
		b, err := prop.Encode()
		if err != nil {
			return nil, err
		}
		body = append(body, b...)
	}
	return body, nil
}

// Proposal 子结构 (RFC 7296 3.3.1 节)
type Proposal struct {
	LastProposal bool
	ProposalNum  uint8
	ProtocolID   ProtocolID
	SPI          []byte
	Transforms   []*Transform
}

const PROPOSAL_HEADER_LEN = 8

func (p *Proposal) Encode() ([]byte, error) {
	var transforms []byte
	for i, t := range p.Transforms {
		t.LastTransform = i == len(p.Transforms)-1
		b, err := t.Encode()
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, b...)
	}

	totalLen := PROPOSAL_HEADER_LEN + len(p.SPI) + len(transforms)
	buf := make([]byte, PROPOSAL_HEADER_LEN+len(p.SPI))
	if !p.LastProposal {
		buf[0] = 2 // More
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = p.ProposalNum
	buf[5] = uint8(p.ProtocolID)
	buf[6] = uint8(len(p.SPI))
	buf[7] = uint8(len(p.Transforms))
	copy(buf[PROPOSAL_HEADER_LEN:], p.SPI)
	return append(buf, transforms...), nil
}

// Transform 子结构 (RFC 7296 3.3.2 节)
type Transform struct {
	LastTransform bool
	Type          TransformType
	ID            AlgorithmType
	Attributes    []*TransformAttribute
}

const TRANSFORM_HEADER_LEN = 8

func (t *Transform) Encode() ([]byte, error) {
	var attrs []byte
	for _, attr := range t.Attributes {
		b, err := attr.Encode()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, b...)
	}

	buf := make([]byte, TRANSFORM_HEADER_LEN)
	if !t.LastTransform {
		buf[0] = 3 // More
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(TRANSFORM_HEADER_LEN+len(attrs)))
	buf[4] = uint8(t.Type)
	binary.BigEndian.PutUint16(buf[6:8], uint16(t.ID))
	return append(buf, attrs...), nil
}

// KeyLength 返回 Key Length 属性 (位)，没有时为 0
func (t *Transform) KeyLength() int {
	for _, a := range t.Attributes {
		if a.Type == AttributeKeyLength {
			return int(a.Val)
		}
	}
	return 0
}

// Transform 属性 (RFC 7296 3.3.5 节)
// AF=1 为 TV 格式使用 Val，AF=0 为 TLV 格式使用 Value
type TransformAttribute struct {
	Type  uint16
	Value []byte
	Val   uint16
}

func (a *TransformAttribute) Encode() ([]byte, error) {
	if len(a.Value) > 0 {
		buf := make([]byte, 4+len(a.Value))
		binary.BigEndian.PutUint16(buf[0:2], a.Type&0x7FFF)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(a.Value)))
		copy(buf[4:], a.Value)
		return buf, nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], a.Type|0x8000)
	binary.BigEndian.PutUint16(buf[2:4], a.Val)
	return buf, nil
}

func NewProposal(num uint8, proto ProtocolID, spi []byte) *Proposal {
	return &Proposal{
		ProposalNum: num,
		ProtocolID:  proto,
		SPI:         spi,
	}
}

// AddTransform keyLen 仅用于可变密钥长度的加密算法
func (p *Proposal) AddTransform(tType TransformType, tID AlgorithmType, keyLen int) {
	p.AddTransformWithKeyLen(tType, tID, keyLen)
}

// AddTransformWithKeyLen 添加带密钥长度属性的变换
func (p *Proposal) AddTransformWithKeyLen(tType TransformType, tID AlgorithmType, keyLen int) {
	t := &Transform{Type: tType, ID: tID}
	if keyLen > 0 {
		t.Attributes = append(t.Attributes, &TransformAttribute{
			Type: AttributeKeyLength,
			Val:  uint16(keyLen),
		})
	}
	p.Transforms = append(p.Transforms, t)
}

// TransformsOf 按类型过滤
func (p *Proposal) TransformsOf(tType TransformType) []*Transform {
	var out []*Transform
	for _, t := range p.Transforms {
		if t.Type == tType {
			out = append(out, t)
		}
	}
	return out
}

// DHGroups 提议中的全部 DH 组，NONE(0) 不计入
func (p *Proposal) DHGroups() []AlgorithmType {
	var out []AlgorithmType
	for _, t := range p.TransformsOf(TransformTypeDH) {
		if t.ID != 0 {
			out = append(out, t.ID)
		}
	}
	return out
}

// SPIUint32 ESP/AH 提议的 4 字节 SPI
func (p *Proposal) SPIUint32() (uint32, bool) {
	if len(p.SPI) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.SPI), true
}

// SPIUint64 IKE 重协商提议的 8 字节 SPI
func (p *Proposal) SPIUint64() (uint64, bool) {
	if len(p.SPI) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(p.SPI), true
}

// Clone 深拷贝，发送前修改 SPI 不影响配置
func (p *Proposal) Clone() *Proposal {
	c := &Proposal{
		ProposalNum: p.ProposalNum,
		ProtocolID:  p.ProtocolID,
		SPI:         append([]byte(nil), p.SPI...),
	}
	for _, t := range p.Transforms {
		nt := &Transform{Type: t.Type, ID: t.ID}
		for _, a := range t.Attributes {
			nt.Attributes = append(nt.Attributes, &TransformAttribute{
				Type:  a.Type,
				Value: append([]byte(nil), a.Value...),
				Val:   a.Val,
			})
		}
		c.Transforms = append(c.Transforms, nt)
	}
	return c
}

func DecodePayloadSA(data []byte) (*SAPayload, error) {
	var proposals []*Proposal
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, errors.New("SA 载荷对于 Proposal 头部来说太短")
		}
		propLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if propLen < PROPOSAL_HEADER_LEN || offset+propLen > len(data) {
			return nil, errors.New("SA 载荷对于 Proposal 主体来说太短")
		}

		prop, err := DecodeProposal(data[offset : offset+propLen])
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, prop)
		offset += propLen

		// 0 = Last, 2 = More
		if prop.LastProposal {
			break
		}
	}
	if len(proposals) == 0 {
		return nil, errors.New("SA 载荷不含 Proposal")
	}

	return &SAPayload{Proposals: proposals}, nil
}

func DecodeProposal(data []byte) (*Proposal, error) {
	if len(data) < PROPOSAL_HEADER_LEN {
		return nil, errors.New("Proposal 太短")
	}

	p := &Proposal{
		LastProposal: data[0] == 0,
		ProposalNum:  data[4],
		ProtocolID:   ProtocolID(data[5]),
	}

	spiSize := int(data[6])
	transformCount := int(data[7])
	if len(data) < PROPOSAL_HEADER_LEN+spiSize {
		return nil, errors.New("Proposal 对于 SPI 来说太短")
	}
	p.SPI = append([]byte(nil), data[PROPOSAL_HEADER_LEN:PROPOSAL_HEADER_LEN+spiSize]...)

	offset := PROPOSAL_HEADER_LEN + spiSize
	for i := 0; i < transformCount; i++ {
		if offset+4 > len(data) {
			return nil, errors.New("Proposal 对于 Transform 头部来说太短")
		}
		transLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if transLen < TRANSFORM_HEADER_LEN || offset+transLen > len(data) {
			return nil, errors.New("Proposal 对于 Transform 主体来说太短")
		}

		trans, err := DecodeTransform(data[offset : offset+transLen])
		if err != nil {
			return nil, err
		}
		p.Transforms = append(p.Transforms, trans)
		offset += transLen
	}

	return p, nil
}

func DecodeTransform(data []byte) (*Transform, error) {
	if len(data) < TRANSFORM_HEADER_LEN {
		return nil, errors.New("Transform 太短")
	}

	t := &Transform{
		LastTransform: data[0] == 0,
		Type:          TransformType(data[4]),
		ID:            AlgorithmType(binary.BigEndian.Uint16(data[6:8])),
	}

	offset := TRANSFORM_HEADER_LEN
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, errors.New("Transform 属性头部被截断")
		}

		rawType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrType := rawType & 0x7FFF

		if rawType&0x8000 != 0 {
			t.Attributes = append(t.Attributes, &TransformAttribute{
				Type: attrType,
				Val:  binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			})
			offset += 4
			continue
		}

		valLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+valLen > len(data) {
			return nil, errors.New("Transform 属性值被截断")
		}
		t.Attributes = append(t.Attributes, &TransformAttribute{
			Type:  attrType,
			Value: append([]byte(nil), data[offset+4:offset+4+valLen]...),
		})
		offset += 4 + valLen
	}

	return t, nil
}
