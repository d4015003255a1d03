package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestComputePSKAuth(t *testing.T) {
	got := ComputePSKAuth(PRF_HMAC_SHA1, []byte("secret"), []byte("signed-octets"))
	if !bytes.Equal(got, mustHex(t, "826c29a9688fc091467b2be685204444628df236")) {
		t.Fatalf("PSK AUTH 不匹配: %X", got)
	}
	if err := VerifyPSKAuth(PRF_HMAC_SHA1, []byte("secret"), []byte("signed-octets"), got); err != nil {
		t.Fatalf("校验应当通过: %v", err)
	}
	if err := VerifyPSKAuth(PRF_HMAC_SHA1, []byte("wrong"), []byte("signed-octets"), got); err != ErrAuthVerifyFailed {
		t.Fatalf("错误密钥应当校验失败, got %v", err)
	}
}

func TestSignedOctetsLayout(t *testing.T) {
	msg := []byte{1, 2, 3}
	nonce := []byte{4, 5}
	out := SignedOctets(PRF_HMAC_SHA2_256, msg, nonce, []byte("skp"), []byte{1, 0, 0, 0, 'a'})
	if len(out) != len(msg)+len(nonce)+32 {
		t.Fatalf("signed octets 长度错误: %d", len(out))
	}
	if !bytes.Equal(out[:5], []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("前缀错误: %X", out[:5])
	}
}

func TestSignVerifyECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	data := []byte("octets")
	method, sig, err := SignAuth(key, data)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if method != AuthMethodECDSA256 || len(sig) != 64 {
		t.Fatalf("方法或签名长度错误: %d %d", method, len(sig))
	}
	if err := VerifyAuth(method, &key.PublicKey, data, sig); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if err := VerifyAuth(method, &key.PublicKey, []byte("other"), sig); err != ErrAuthVerifyFailed {
		t.Fatalf("篡改数据应当失败, got %v", err)
	}
}

func TestSignVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	method, sig, err := SignAuth(key, []byte("octets"))
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if method != AuthMethodRSA {
		t.Fatalf("方法错误: %d", method)
	}
	if err := VerifyAuth(method, &key.PublicKey, []byte("octets"), sig); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if err := VerifyAuth(AuthMethodECDSA256, &key.PublicKey, []byte("octets"), sig); err == nil {
		t.Fatal("公钥类型不匹配时应当失败")
	}
}
