package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

// PRF 伪随机函数 (RFC 7296 3.3.2 Transform Type 2)
type PRF interface {
	// ID 是 IANA 分配的变换 ID
	ID() uint16
	Hash() hash.Hash
	// KeyLen 是首选密钥长度，同时也是 SK_d/SK_pi/SK_pr 的长度
	KeyLen() int
	OutputLen() int
}

type hmacPRF struct {
	id      uint16
	newHash func() hash.Hash
	keyLen  int
}

func (h *hmacPRF) ID() uint16      { return h.id }
func (h *hmacPRF) Hash() hash.Hash { return h.newHash() }
func (h *hmacPRF) KeyLen() int     { return h.keyLen }
func (h *hmacPRF) OutputLen() int  { return h.newHash().Size() }
func (h *hmacPRF) String() string  { return fmt.Sprintf("PRF(%d)", h.id) }

var (
	PRF_HMAC_MD5      PRF = &hmacPRF{id: 1, newHash: md5.New, keyLen: 16}
	PRF_HMAC_SHA1     PRF = &hmacPRF{id: 2, newHash: sha1.New, keyLen: 20}
	PRF_HMAC_SHA2_256 PRF = &hmacPRF{id: 5, newHash: sha256.New, keyLen: 32}
	PRF_HMAC_SHA2_384 PRF = &hmacPRF{id: 6, newHash: sha512.New384, keyLen: 48}
	PRF_HMAC_SHA2_512 PRF = &hmacPRF{id: 7, newHash: sha512.New, keyLen: 64}
)

var ErrPrfPlusOverflow = errors.New("PRF+ 溢出: 块计数超过 255")

// Compute 计算 prf(key, data...)
func Compute(prf PRF, key []byte, data ...[]byte) []byte {
	h := hmac.New(prf.Hash, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PrfPlus RFC 7296 2.13 节
// prf+ (K,S) = T1 | T2 | T3 | ...
// T1 = prf (K, S | 0x01)
// Tn = prf (K, Tn-1 | S | n)
func PrfPlus(prf PRF, key []byte, seed []byte, totalBytes int) ([]byte, error) {
	out := make([]byte, 0, totalBytes+prf.OutputLen())
	var prev []byte
	for n := 1; len(out) < totalBytes; n++ {
		if n > 255 {
			return nil, ErrPrfPlusOverflow
		}
		prev = Compute(prf, key, prev, seed, []byte{byte(n)})
		out = append(out, prev...)
	}
	return out[:totalBytes], nil
}

// GetPRF 按变换 ID 查找 PRF
func GetPRF(id uint16) (PRF, error) {
	switch id {
	case 1:
		return PRF_HMAC_MD5, nil
	case 2:
		return PRF_HMAC_SHA1, nil
	case 5:
		return PRF_HMAC_SHA2_256, nil
	case 6:
		return PRF_HMAC_SHA2_384, nil
	case 7:
		return PRF_HMAC_SHA2_512, nil
	default:
		return nil, fmt.Errorf("不支持的 PRF ID: %d", id)
	}
}
