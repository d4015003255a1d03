package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// KeyExchange 一次性 DH 交换 (Transform Type 4)
type KeyExchange interface {
	Group() uint16
	// PublicKey KE 载荷中的 Key Exchange Data
	PublicKey() []byte
	// SharedSecret 计算 g^ir，长度固定为组长度
	SharedSecret(peer []byte) ([]byte, error)
}

var ErrInvalidPeerKey = errors.New("无效的对端公钥")

// RFC 2409 / RFC 3526 MODP 组
var (
	modp1024 = mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF")
	modp2048 = mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")
	modp3072 = mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF")
	gen2     = big.NewInt(2)
)

func mustPrime(hex string) *big.Int {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("crypto: 无效的 MODP 素数")
	}
	return p
}

// NewKeyExchange 为指定 DH 组生成一次性密钥对
func NewKeyExchange(group uint16) (KeyExchange, error) {
	return NewKeyExchangeFrom(group, rand.Reader)
}

// NewKeyExchangeFrom 允许注入随机源
func NewKeyExchangeFrom(group uint16, r io.Reader) (KeyExchange, error) {
	switch group {
	case 2:
		return newMODP(group, modp1024, r)
	case 14:
		return newMODP(group, modp2048, r)
	case 15:
		return newMODP(group, modp3072, r)
	case 19:
		return newECP(group, ecdh.P256(), r)
	case 20:
		return newECP(group, ecdh.P384(), r)
	default:
		return nil, fmt.Errorf("不支持的 DH 组: %d", group)
	}
}

// SupportedGroup 判断 DH 组是否可用
func SupportedGroup(group uint16) bool {
	switch group {
	case 2, 14, 15, 19, 20:
		return true
	}
	return false
}

type modpKeyExchange struct {
	group uint16
	p     *big.Int
	priv  *big.Int
	pub   *big.Int
}

func newMODP(group uint16, p *big.Int, r io.Reader) (*modpKeyExchange, error) {
	// 私钥取 [2, p-2]
	max := new(big.Int).Sub(p, big.NewInt(3))
	x, err := rand.Int(r, max)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(2))
	return &modpKeyExchange{
		group: group,
		p:     p,
		priv:  x,
		pub:   new(big.Int).Exp(gen2, x, p),
	}, nil
}

func (m *modpKeyExchange) Group() uint16 { return m.group }

func (m *modpKeyExchange) size() int { return (m.p.BitLen() + 7) / 8 }

func (m *modpKeyExchange) PublicKey() []byte {
	return m.pub.FillBytes(make([]byte, m.size()))
}

func (m *modpKeyExchange) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != m.size() {
		return nil, fmt.Errorf("%w: 长度 %d", ErrInvalidPeerKey, len(peer))
	}
	y := new(big.Int).SetBytes(peer)
	// 1 < y < p-1
	one := big.NewInt(1)
	if y.Cmp(one) <= 0 || y.Cmp(new(big.Int).Sub(m.p, one)) >= 0 {
		return nil, ErrInvalidPeerKey
	}
	s := new(big.Int).Exp(y, m.priv, m.p)
	return s.FillBytes(make([]byte, m.size())), nil
}

// RFC 5903: KE 数据为 x|y，不带 0x04 前缀；共享密钥只取 x
type ecpKeyExchange struct {
	group uint16
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

func newECP(group uint16, curve ecdh.Curve, r io.Reader) (*ecpKeyExchange, error) {
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &ecpKeyExchange{group: group, curve: curve, priv: priv}, nil
}

func (e *ecpKeyExchange) Group() uint16 { return e.group }

func (e *ecpKeyExchange) PublicKey() []byte {
	return e.priv.PublicKey().Bytes()[1:]
}

func (e *ecpKeyExchange) SharedSecret(peer []byte) ([]byte, error) {
	pub, err := e.curve.NewPublicKey(append([]byte{0x04}, peer...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return e.priv.ECDH(pub)
}
