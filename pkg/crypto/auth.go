package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"
)

// 认证方法 (RFC 7296 3.8, RFC 4754)
const (
	AuthMethodRSA      uint8 = 1
	AuthMethodPSK      uint8 = 2
	AuthMethodECDSA256 uint8 = 9
	AuthMethodECDSA384 uint8 = 10
	AuthMethodECDSA521 uint8 = 11
)

var (
	ErrAuthVerifyFailed = errors.New("AUTH 校验失败")
	ErrUnsupportedAuth  = errors.New("不支持的认证方法")
)

var keyPad = []byte("Key Pad for IKEv2")

// SignedOctets RFC 7296 2.15
// RealMessage | NonceData(对端) | prf(SK_p, IDBody)
// idBody 为 ID 载荷去掉通用头后的部分
func SignedOctets(prf PRF, realMessage, peerNonce, skP, idBody []byte) []byte {
	maced := Compute(prf, skP, idBody)
	return concat(realMessage, peerNonce, maced)
}

// ComputePSKAuth AUTH = prf(prf(Shared Secret, "Key Pad for IKEv2"), <SignedOctets>)
// EAP 场景下 secret 为 MSK，无 MSK 时为 SK_p
func ComputePSKAuth(prf PRF, secret, signedOctets []byte) []byte {
	inner := Compute(prf, secret, keyPad)
	defer ZeroBytes(inner)
	return Compute(prf, inner, signedOctets)
}

// VerifyPSKAuth 常数时间比较
func VerifyPSKAuth(prf PRF, secret, signedOctets, authData []byte) error {
	if !hmac.Equal(ComputePSKAuth(prf, secret, signedOctets), authData) {
		return ErrAuthVerifyFailed
	}
	return nil
}

// SignAuth 使用私钥签名 signedOctets，返回 AUTH 方法与数据
func SignAuth(key crypto.Signer, signedOctets []byte) (uint8, []byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		h := sha1.Sum(signedOctets)
		sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA1, h[:])
		if err != nil {
			return 0, nil, err
		}
		return AuthMethodRSA, sig, nil
	case *ecdsa.PrivateKey:
		method, hashed, size, err := ecdsaParams(k.Curve, signedOctets)
		if err != nil {
			return 0, nil, err
		}
		r, s, err := ecdsa.Sign(rand.Reader, k, hashed)
		if err != nil {
			return 0, nil, err
		}
		// RFC 4754: r | s，各自定长
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return method, sig, nil
	default:
		return 0, nil, fmt.Errorf("%w: 私钥类型 %T", ErrUnsupportedAuth, key)
	}
}

// VerifyAuth 用对端证书公钥校验签名
func VerifyAuth(method uint8, pub crypto.PublicKey, signedOctets, authData []byte) error {
	switch method {
	case AuthMethodRSA:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: 方法 %d 需要 RSA 公钥", ErrUnsupportedAuth, method)
		}
		h := sha1.Sum(signedOctets)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA1, h[:], authData); err != nil {
			return ErrAuthVerifyFailed
		}
		return nil
	case AuthMethodECDSA256, AuthMethodECDSA384, AuthMethodECDSA521:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: 方法 %d 需要 ECDSA 公钥", ErrUnsupportedAuth, method)
		}
		want, hashed, size, err := ecdsaParams(k.Curve, signedOctets)
		if err != nil {
			return err
		}
		if want != method || len(authData) != 2*size {
			return ErrAuthVerifyFailed
		}
		r := new(big.Int).SetBytes(authData[:size])
		s := new(big.Int).SetBytes(authData[size:])
		if !ecdsa.Verify(k, hashed, r, s) {
			return ErrAuthVerifyFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedAuth, method)
	}
}

func ecdsaParams(curve elliptic.Curve, data []byte) (uint8, []byte, int, error) {
	switch curve {
	case elliptic.P256():
		h := sha256.Sum256(data)
		return AuthMethodECDSA256, h[:], 32, nil
	case elliptic.P384():
		h := sha512.Sum384(data)
		return AuthMethodECDSA384, h[:], 48, nil
	case elliptic.P521():
		h := sha512.Sum512(data)
		return AuthMethodECDSA521, h[:], 66, nil
	default:
		return 0, nil, 0, fmt.Errorf("%w: 曲线 %s", ErrUnsupportedAuth, curve.Params().Name)
	}
}
