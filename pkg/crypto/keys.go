package crypto

import (
	"encoding/binary"
	"fmt"
)

// IKEKeyMaterial IKE SA 的七把密钥，顺序与 prf+ 输出切片顺序一致
type IKEKeyMaterial struct {
	SKd  []byte
	SKai []byte
	SKar []byte
	SKei []byte
	SKer []byte
	SKpi []byte
	SKpr []byte
}

// Zero 清零所有密钥
func (k *IKEKeyMaterial) Zero() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.SKd, k.SKai, k.SKar, k.SKei, k.SKer, k.SKpi, k.SKpr} {
		ZeroBytes(b)
	}
}

// ChildKeyMaterial Child SA 密钥
// RFC 7296 2.17: 先取发起方方向 (加密, 完整性)，再取响应方方向
type ChildKeyMaterial struct {
	InitEncr  []byte
	InitInteg []byte
	RespEncr  []byte
	RespInteg []byte
}

func (k *ChildKeyMaterial) Zero() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.InitEncr, k.InitInteg, k.RespEncr, k.RespInteg} {
		ZeroBytes(b)
	}
}

// ZeroBytes 原地清零
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveSKEYSEED SKEYSEED = prf(Ni | Nr, g^ir)
func DeriveSKEYSEED(prf PRF, sharedSecret, ni, nr []byte) []byte {
	return Compute(prf, concat(ni, nr), sharedSecret)
}

// DeriveRekeySKEYSEED SKEYSEED = prf(SK_d (old), g^ir (new) | Ni | Nr)
// 没有 KE 时 sharedSecret 为空
func DeriveRekeySKEYSEED(prf PRF, oldSKd, sharedSecret, ni, nr []byte) []byte {
	return Compute(prf, oldSKd, sharedSecret, ni, nr)
}

// DeriveIKEKeys 从 DH 共享密钥直接推导全部 IKE 密钥
func DeriveIKEKeys(prf PRF, sharedSecret, ni, nr []byte, spiI, spiR uint64, integLen, encrLen int) (*IKEKeyMaterial, error) {
	skeyseed := DeriveSKEYSEED(prf, sharedSecret, ni, nr)
	defer ZeroBytes(skeyseed)
	return ExpandIKEKeys(prf, skeyseed, ni, nr, spiI, spiR, integLen, encrLen)
}

// ExpandIKEKeys {SK_d | SK_ai | SK_ar | SK_ei | SK_er | SK_pi | SK_pr}
//
//	= prf+ (SKEYSEED, Ni | Nr | SPIi | SPIr)
//
// SK_d 与 SK_p 的长度等于 PRF 的首选密钥长度
func ExpandIKEKeys(prf PRF, skeyseed, ni, nr []byte, spiI, spiR uint64, integLen, encrLen int) (*IKEKeyMaterial, error) {
	if integLen < 0 || encrLen <= 0 {
		return nil, fmt.Errorf("无效的密钥长度: integ=%d encr=%d", integLen, encrLen)
	}
	prfLen := prf.KeyLen()

	seed := make([]byte, 0, len(ni)+len(nr)+16)
	seed = append(seed, ni...)
	seed = append(seed, nr...)
	seed = binary.BigEndian.AppendUint64(seed, spiI)
	seed = binary.BigEndian.AppendUint64(seed, spiR)

	total := 3*prfLen + 2*integLen + 2*encrLen
	stream, err := PrfPlus(prf, skeyseed, seed, total)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(stream)

	s := splitter{buf: stream}
	return &IKEKeyMaterial{
		SKd:  s.next(prfLen),
		SKai: s.next(integLen),
		SKar: s.next(integLen),
		SKei: s.next(encrLen),
		SKer: s.next(encrLen),
		SKpi: s.next(prfLen),
		SKpr: s.next(prfLen),
	}, nil
}

// DeriveChildKeys KEYMAT = prf+(SK_d, [g^ir (new)] | Ni | Nr)
func DeriveChildKeys(prf PRF, skD, sharedSecret, ni, nr []byte, integLen, encrLen int) (*ChildKeyMaterial, error) {
	if integLen < 0 || encrLen <= 0 {
		return nil, fmt.Errorf("无效的密钥长度: integ=%d encr=%d", integLen, encrLen)
	}
	stream, err := PrfPlus(prf, skD, concat(sharedSecret, ni, nr), 2*(integLen+encrLen))
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(stream)
	s := splitter{buf: stream}
	return &ChildKeyMaterial{
		InitEncr:  s.next(encrLen),
		InitInteg: s.next(integLen),
		RespEncr:  s.next(encrLen),
		RespInteg: s.next(integLen),
	}, nil
}

type splitter struct {
	buf []byte
	off int
}

// next 返回独立副本，便于每把密钥单独清零
func (s *splitter) next(n int) []byte {
	out := make([]byte, n)
	copy(out, s.buf[s.off:s.off+n])
	s.off += n
	return out
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
