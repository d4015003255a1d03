package sim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

// Milenage 3GPP TS 35.206 认证算法
type Milenage struct {
	block cipher.Block
	opc   [16]byte
}

// NewMilenage op 为 OPc 时 useOPc 为 true，否则由 OP 派生 OPc = AES_K(OP) ⊕ OP
func NewMilenage(k, op []byte, useOPc bool) (*Milenage, error) {
	if len(k) != 16 || len(op) != 16 {
		return nil, errors.New("K 和 OP/OPc 必须是 16 字节")
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	m := &Milenage{block: block}
	copy(m.opc[:], op)
	if !useOPc {
		block.Encrypt(m.opc[:], op)
		subtle.XORBytes(m.opc[:], m.opc[:], op)
	}
	return m, nil
}

// OPc 派生后的运营商密钥
func (m *Milenage) OPc() []byte {
	return append([]byte(nil), m.opc[:]...)
}

// temp TEMP = AES_K(RAND ⊕ OPc)
func (m *Milenage) temp(rand []byte) [16]byte {
	var t [16]byte
	subtle.XORBytes(t[:], rand, m.opc[:])
	m.block.Encrypt(t[:], t[:])
	return t
}

// out f2-f5: OUTn = AES_K(rot(TEMP ⊕ OPc, r) ⊕ c) ⊕ OPc
// f1 传入 IN1: OUT1 = AES_K(TEMP ⊕ rot(IN1 ⊕ OPc, r1) ⊕ c1) ⊕ OPc
func (m *Milenage) out(temp [16]byte, in []byte, r int, c byte) [16]byte {
	var x [16]byte
	if in != nil {
		var y [16]byte
		subtle.XORBytes(y[:], in, m.opc[:])
		y = rotate(y, r)
		subtle.XORBytes(x[:], temp[:], y[:])
	} else {
		subtle.XORBytes(x[:], temp[:], m.opc[:])
		x = rotate(x, r)
	}
	x[15] ^= c
	m.block.Encrypt(x[:], x[:])
	subtle.XORBytes(x[:], x[:], m.opc[:])
	return x
}

func checkRand(rand []byte) error {
	if len(rand) != 16 {
		return errors.New("RAND 必须是 16 字节")
	}
	return nil
}

// F1 网络认证码 MAC-A 与重同步认证码 MAC-S
func (m *Milenage) F1(rand, sqn, amf []byte) (macA, macS []byte, err error) {
	if checkRand(rand) != nil || len(sqn) != 6 || len(amf) != 2 {
		return nil, nil, errors.New("F1: 参数长度错误")
	}
	var in1 [16]byte
	copy(in1[0:6], sqn)
	copy(in1[6:8], amf)
	copy(in1[8:14], sqn)
	copy(in1[14:16], amf)
	o := m.out(m.temp(rand), in1[:], 64, 0)
	return o[0:8:8], o[8:16:16], nil
}

// F2F5 响应 RES 与匿名密钥 AK
func (m *Milenage) F2F5(rand []byte) (res, ak []byte, err error) {
	if err := checkRand(rand); err != nil {
		return nil, nil, err
	}
	o := m.out(m.temp(rand), nil, 0, 1)
	return o[8:16:16], o[0:6:6], nil
}

// F3 加密密钥 CK
func (m *Milenage) F3(rand []byte) ([]byte, error) {
	if err := checkRand(rand); err != nil {
		return nil, err
	}
	o := m.out(m.temp(rand), nil, 32, 2)
	return o[:], nil
}

// F4 完整性密钥 IK
func (m *Milenage) F4(rand []byte) ([]byte, error) {
	if err := checkRand(rand); err != nil {
		return nil, err
	}
	o := m.out(m.temp(rand), nil, 64, 4)
	return o[:], nil
}

// F5Star 重同步用的匿名密钥 AK*
func (m *Milenage) F5Star(rand []byte) ([]byte, error) {
	if err := checkRand(rand); err != nil {
		return nil, err
	}
	o := m.out(m.temp(rand), nil, 96, 8)
	return o[0:6:6], nil
}

// GenerateAUTN AUTN = (SQN ⊕ AK) || AMF || MAC-A
func (m *Milenage) GenerateAUTN(rand, sqn, amf []byte) ([]byte, error) {
	_, ak, err := m.F2F5(rand)
	if err != nil {
		return nil, err
	}
	macA, _, err := m.F1(rand, sqn, amf)
	if err != nil {
		return nil, err
	}
	autn := make([]byte, 16)
	subtle.XORBytes(autn[0:6], sqn, ak)
	copy(autn[6:8], amf)
	copy(autn[8:16], macA)
	return autn, nil
}

// GenerateAUTS AUTS = (SQN_MS ⊕ AK*) || MAC-S，MAC-S 使用全零 AMF
func (m *Milenage) GenerateAUTS(rand, sqnMS []byte) ([]byte, error) {
	akStar, err := m.F5Star(rand)
	if err != nil {
		return nil, err
	}
	_, macS, err := m.F1(rand, sqnMS, []byte{0, 0})
	if err != nil {
		return nil, err
	}
	auts := make([]byte, 14)
	subtle.XORBytes(auts[0:6], sqnMS, akStar)
	copy(auts[6:14], macS)
	return auts, nil
}

// rotate 循环左移 bits 位，bits 为 8 的倍数
func rotate(data [16]byte, bits int) [16]byte {
	var result [16]byte
	n := bits / 8
	for i := range result {
		result[i] = data[(i+n)%16]
	}
	return result
}

// EncodeSQN 48 位 SQN 编码为 6 字节
func EncodeSQN(sqn uint64) []byte {
	return []byte{byte(sqn >> 40), byte(sqn >> 32), byte(sqn >> 24), byte(sqn >> 16), byte(sqn >> 8), byte(sqn)}
}

func DecodeSQN(data []byte) uint64 {
	if len(data) < 6 {
		return 0
	}
	return uint64(data[0])<<40 | uint64(data[1])<<32 |
		uint64(data[2])<<24 | uint64(data[3])<<16 |
		uint64(data[4])<<8 | uint64(data[5])
}
