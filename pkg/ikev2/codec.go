package ikev2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

// CipherSuite IKE SA 协商出的加密与完整性算法
// AEAD 时 Integ 为 AUTH_NONE
type CipherSuite struct {
	Encr  crypto.Encrypter
	Integ crypto.IntegrityAlgorithm
	// Rand IV 随机源，nil 时使用 crypto/rand
	Rand io.Reader
}

func (s *CipherSuite) icvSize() int {
	if s.Encr.IsAEAD() {
		return 0
	}
	return s.Integ.OutputSize()
}

func (s *CipherSuite) aeadTagSize() int {
	if s.Encr.IsAEAD() {
		return s.Encr.ICVSize()
	}
	return 0
}

// DirectionKeys 单方向密钥: 发起方方向为 SK_ei/SK_ai，响应方方向为 SK_er/SK_ar
type DirectionKeys struct {
	EncrKey  []byte
	IntegKey []byte
}

// DecodeStatus 解码结果分类
type DecodeStatus int

const (
	DecodeOK DecodeStatus = iota
	// DecodePartial 收到非最后一个分片
	DecodePartial
	// DecodeProtectedError 完整性校验通过后的错误，必须关闭会话
	DecodeProtectedError
	// DecodeUnprotectedError 未经认证的错误，丢弃数据包即可
	DecodeUnprotectedError
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeOK:
		return "OK"
	case DecodePartial:
		return "PARTIAL"
	case DecodeProtectedError:
		return "PROTECTED_ERROR"
	case DecodeUnprotectedError:
		return "UNPROTECTED_ERROR"
	default:
		return fmt.Sprintf("DecodeStatus(%d)", int(s))
	}
}

// DecodeResult 解码结果
type DecodeResult struct {
	Status  DecodeStatus
	Header  *IKEHeader
	Message *Message
	// FirstPacket 完整消息时为原始包，分片时为 1 号分片
	FirstPacket []byte
	// Fragments DecodePartial 时需要保存回 SA 记录的重组集合
	Fragments *FragmentAccumulator
	Err       error
}

func unprotected(h *IKEHeader, err error) DecodeResult {
	return DecodeResult{Status: DecodeUnprotectedError, Header: h, Err: err}
}

func protected(h *IKEHeader, err error) DecodeResult {
	return DecodeResult{Status: DecodeProtectedError, Header: h, Err: err}
}

// EncodeUnprotected 明文消息，只用于 IKE_SA_INIT
func EncodeUnprotected(hdr *IKEHeader, payloads []Payload) ([]byte, error) {
	first, body, err := EncodePayloads(payloads)
	if err != nil {
		return nil, err
	}
	h := *hdr
	h.NextPayload = first
	h.Length = uint32(IKE_HEADER_LEN + len(body))
	return append(h.Encode(), body...), nil
}

// DecodeUnprotected 解码明文消息
func DecodeUnprotected(pkt []byte) DecodeResult {
	hdr, err := DecodeHeader(pkt)
	if err != nil {
		return unprotected(nil, err)
	}
	if err := hdr.Validate(len(pkt)); err != nil {
		return unprotected(hdr, err)
	}
	if hdr.NextPayload == SK || hdr.NextPayload == EncryptedFragment {
		return unprotected(hdr, errors.New("期望明文消息却收到加密载荷"))
	}
	payloads, err := DecodePayloads(hdr.NextPayload, pkt[IKE_HEADER_LEN:])
	if err != nil {
		return unprotected(hdr, err)
	}
	return DecodeResult{
		Status:      DecodeOK,
		Header:      hdr,
		Message:     &Message{Header: hdr, Payloads: payloads},
		FirstPacket: pkt,
	}
}

// EncodeProtected 加密消息，fragSize > 0 且消息超过该长度时按 RFC 7383 分片
// 返回每个 UDP 数据报的内容
func EncodeProtected(hdr *IKEHeader, payloads []Payload, suite *CipherSuite, keys DirectionKeys, fragSize int) ([][]byte, error) {
	first, inner, err := EncodePayloads(payloads)
	if err != nil {
		return nil, err
	}

	whole, err := sealSK(hdr, SK, first, nil, inner, suite, keys)
	if err != nil {
		return nil, err
	}
	if fragSize <= 0 || len(whole) <= fragSize {
		return [][]byte{whole}, nil
	}

	overhead := IKE_HEADER_LEN + PAYLOAD_HEADER_LEN + skfHeaderLen +
		suite.Encr.IVSize() + suite.icvSize() + suite.aeadTagSize() + suite.Encr.BlockSize()
	chunk := fragSize - overhead
	if chunk <= 0 {
		return nil, fmt.Errorf("分片大小 %d 太小", fragSize)
	}
	parts := splitInner(inner, chunk)
	if len(parts) > 0xffff {
		return nil, errors.New("分片数量超出上限")
	}

	out := make([][]byte, 0, len(parts))
	for i, part := range parts {
		fh := make([]byte, skfHeaderLen)
		binary.BigEndian.PutUint16(fh[0:2], uint16(i+1))
		binary.BigEndian.PutUint16(fh[2:4], uint16(len(parts)))
		// 只有 1 号分片携带第一个内部载荷的类型
		next := NoNextPayload
		if i == 0 {
			next = first
		}
		pkt, err := sealSK(hdr, EncryptedFragment, next, fh, part, suite, keys)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

func sealSK(hdr *IKEHeader, skType, next PayloadType, fragHdr, inner []byte, suite *CipherSuite, keys DirectionKeys) ([]byte, error) {
	r := suite.Rand
	var iv []byte
	var err error
	if r != nil {
		iv, err = crypto.RandomBytesFrom(r, suite.Encr.IVSize())
	} else {
		iv, err = crypto.RandomBytes(suite.Encr.IVSize())
	}
	if err != nil {
		return nil, err
	}

	// 明文 | 填充 | 填充长度
	bs := suite.Encr.BlockSize()
	padLen := 0
	if rem := (len(inner) + 1) % bs; rem != 0 {
		padLen = bs - rem
	}
	plain := make([]byte, len(inner)+padLen+1)
	copy(plain, inner)
	plain[len(plain)-1] = byte(padLen)

	cipherLen := len(plain) + suite.aeadTagSize()
	bodyLen := PAYLOAD_HEADER_LEN + len(fragHdr) + len(iv) + cipherLen + suite.icvSize()
	if bodyLen > 0xffff {
		return nil, errors.New("加密载荷过长")
	}

	h := *hdr
	h.NextPayload = skType
	h.Length = uint32(IKE_HEADER_LEN + bodyLen)
	gh := &PayloadHeader{NextPayload: next, PayloadLength: uint16(bodyLen)}

	pkt := make([]byte, 0, h.Length)
	pkt = append(pkt, h.Encode()...)
	pkt = append(pkt, gh.Encode()...)
	pkt = append(pkt, fragHdr...)
	// RFC 5282: AAD 为 IKE 头部到加密载荷头部 (含分片头) 为止
	aad := pkt[:len(pkt):len(pkt)]

	ct, err := suite.Encr.Encrypt(plain, keys.EncrKey, iv, aad)
	if err != nil {
		return nil, err
	}
	if len(ct) != cipherLen {
		return nil, errors.New("加密输出长度不匹配")
	}
	pkt = append(pkt, iv...)
	pkt = append(pkt, ct...)
	if !suite.Encr.IsAEAD() {
		pkt = append(pkt, suite.Integ.Compute(keys.IntegKey, pkt)...)
	}
	if uint32(len(pkt)) != h.Length {
		return nil, errors.New("IKE 长度字段不匹配")
	}
	return pkt, nil
}

// DecodeProtected 校验并解密 SK/SKF 消息
// acc 为该 SA 该方向当前的分片集合，可为 nil
func DecodeProtected(pkt []byte, suite *CipherSuite, keys DirectionKeys, acc *FragmentAccumulator) DecodeResult {
	hdr, err := DecodeHeader(pkt)
	if err != nil {
		return unprotected(nil, err)
	}
	if err := hdr.Validate(len(pkt)); err != nil {
		return unprotected(hdr, err)
	}
	if hdr.NextPayload != SK && hdr.NextPayload != EncryptedFragment {
		return unprotected(hdr, fmt.Errorf("期望加密载荷，收到 %s", hdr.NextPayload))
	}
	isFrag := hdr.NextPayload == EncryptedFragment

	off := IKE_HEADER_LEN
	if len(pkt) < off+PAYLOAD_HEADER_LEN {
		return unprotected(hdr, errors.New("加密载荷头部被截断"))
	}
	gh, _ := DecodePayloadHeader(pkt[off : off+PAYLOAD_HEADER_LEN])
	if off+int(gh.PayloadLength) != len(pkt) {
		return unprotected(hdr, errors.New("加密载荷长度与数据包不符"))
	}
	off += PAYLOAD_HEADER_LEN

	var fragNum, fragTotal uint16
	if isFrag {
		if len(pkt) < off+skfHeaderLen {
			return unprotected(hdr, errors.New("分片头部被截断"))
		}
		fragNum = binary.BigEndian.Uint16(pkt[off : off+2])
		fragTotal = binary.BigEndian.Uint16(pkt[off+2 : off+4])
		if fragNum == 0 || fragTotal == 0 || fragNum > fragTotal {
			return unprotected(hdr, fmt.Errorf("非法分片编号 %d/%d", fragNum, fragTotal))
		}
		off += skfHeaderLen
	}
	aad := pkt[:off]

	ivLen := suite.Encr.IVSize()
	icvLen := suite.icvSize()
	if len(pkt) < off+ivLen+icvLen+suite.aeadTagSize() {
		return unprotected(hdr, errors.New("加密载荷太短"))
	}
	iv := pkt[off : off+ivLen]
	ct := pkt[off+ivLen : len(pkt)-icvLen]

	if !suite.Encr.IsAEAD() {
		if !suite.Integ.Verify(keys.IntegKey, pkt[:len(pkt)-icvLen], pkt[len(pkt)-icvLen:]) {
			return unprotected(hdr, errors.New("IKE 完整性校验失败"))
		}
	}
	plain, err := suite.Encr.Decrypt(ct, keys.EncrKey, iv, aad)
	if err != nil {
		return unprotected(hdr, fmt.Errorf("解密失败: %w", err))
	}

	// 以下错误发生在认证之后
	if len(plain) < 1 {
		return protected(hdr, NewInvalidSyntax("加密载荷明文为空"))
	}
	padLen := int(plain[len(plain)-1])
	if len(plain) < 1+padLen {
		return protected(hdr, NewInvalidSyntax("填充长度无效"))
	}
	inner := plain[:len(plain)-1-padLen]

	if !isFrag {
		payloads, err := DecodePayloads(gh.NextPayload, inner)
		if err != nil {
			return protected(hdr, err)
		}
		return DecodeResult{
			Status:      DecodeOK,
			Header:      hdr,
			Message:     &Message{Header: hdr, Payloads: payloads},
			FirstPacket: pkt,
		}
	}

	if acc == nil || acc.MessageID != hdr.MessageID || fragTotal > acc.Total {
		acc = NewFragmentAccumulator(hdr.MessageID, fragTotal)
	} else if fragTotal < acc.Total {
		return unprotected(hdr, errStaleFragment)
	}
	complete, err := acc.Add(fragNum, inner, gh.NextPayload, pkt)
	if err != nil {
		return protected(hdr, NewInvalidSyntax("%v", err))
	}
	if !complete {
		return DecodeResult{Status: DecodePartial, Header: hdr, Fragments: acc}
	}

	assembled, err := acc.Assemble()
	if err != nil {
		return protected(hdr, NewInvalidSyntax("%v", err))
	}
	payloads, err := DecodePayloads(acc.NextPayload, assembled)
	if err != nil {
		return protected(hdr, err)
	}
	return DecodeResult{
		Status:      DecodeOK,
		Header:      hdr,
		Message:     &Message{Header: hdr, Payloads: payloads},
		FirstPacket: acc.FirstPacket,
	}
}
