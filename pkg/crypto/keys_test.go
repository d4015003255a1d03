package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		t.Fatalf("解析十六进制失败: %v", err)
	}
	return b
}

const (
	vecNi = "C39B7F368F4681B89FA9B7BE6465ABD7C5F68B6ED5D3B4C72CB4240EB5C46412"
	vecNr = "9756112CA539F5C25ABACC7EE92B73091942A9C06950F98848F1AF1694C4DDFF"
)

// TestExpandIKEKeysVector 固定 SKEYSEED/Nonce/SPI 下 prf+ 切片必须逐字节一致
func TestExpandIKEKeysVector(t *testing.T) {
	skeyseed := mustHex(t, "8C42F3B1F5F81C7BAAC5F33E9A4F01987B2F9657")
	ni := mustHex(t, vecNi)
	nr := mustHex(t, vecNr)

	keys, err := ExpandIKEKeys(PRF_HMAC_SHA1, skeyseed, ni, nr, 0x5F54BF6D8B48E6E1, 0x909232B3D1EDCB5C, 20, 16)
	if err != nil {
		t.Fatalf("ExpandIKEKeys 失败: %v", err)
	}

	want := map[string]struct {
		got []byte
		hex string
	}{
		"SK_d":  {keys.SKd, "C86B56EFCF684DCC2877578AEF3137167FE0EBF6"},
		"SK_ai": {keys.SKai, "554FBF5A05B7F511E05A30CE23D874DB9EF55E51"},
		"SK_ar": {keys.SKar, "36D83420788337CA32ECAA46892C48808DCD58B1"},
		"SK_ei": {keys.SKei, "5CBFD33F75796C0188C4A3A546AEC4A1"},
		"SK_er": {keys.SKer, "C33B35FCF29514CD9D8B4A695E1A816E"},
		"SK_pi": {keys.SKpi, "094787780EE466E2CB049FA327B43908BC57E485"},
		"SK_pr": {keys.SKpr, "A30E6B08BE56C0E6BFF4744143C75219299E1BEB"},
	}
	for name, w := range want {
		if !bytes.Equal(w.got, mustHex(t, w.hex)) {
			t.Errorf("%s 不匹配: got %X, want %s", name, w.got, w.hex)
		}
	}
}

func TestDeriveChildKeysVector(t *testing.T) {
	skD := mustHex(t, "C86B56EFCF684DCC2877578AEF3137167FE0EBF6")
	keys, err := DeriveChildKeys(PRF_HMAC_SHA1, skD, nil, mustHex(t, vecNi), mustHex(t, vecNr), 20, 16)
	if err != nil {
		t.Fatalf("DeriveChildKeys 失败: %v", err)
	}
	if !bytes.Equal(keys.InitEncr, mustHex(t, "1b865cea6e2c23973e8c5452adc5cd7d")) {
		t.Errorf("发起方加密密钥不匹配: %X", keys.InitEncr)
	}
	if !bytes.Equal(keys.InitInteg, mustHex(t, "a7a5a44f7ef4409657206c7dc52b7e692593b51e")) {
		t.Errorf("发起方完整性密钥不匹配: %X", keys.InitInteg)
	}
	if !bytes.Equal(keys.RespEncr, mustHex(t, "5e82fedacc6dcb0756ddd7553907ebd1")) {
		t.Errorf("响应方加密密钥不匹配: %X", keys.RespEncr)
	}
	if !bytes.Equal(keys.RespInteg, mustHex(t, "cde612189fd46de870faec04f92b40b0bfdbd9e1")) {
		t.Errorf("响应方完整性密钥不匹配: %X", keys.RespInteg)
	}
}

func TestDeriveSKEYSEED(t *testing.T) {
	ni, nr := mustHex(t, vecNi), mustHex(t, vecNr)

	got := DeriveSKEYSEED(PRF_HMAC_SHA1, bytes.Repeat([]byte{0xaa}, 32), ni, nr)
	if !bytes.Equal(got, mustHex(t, "e4b13082d877f688db257a37e7f5b79f336cc476")) {
		t.Errorf("SKEYSEED 不匹配: %X", got)
	}

	oldSKd := mustHex(t, "C86B56EFCF684DCC2877578AEF3137167FE0EBF6")
	got = DeriveRekeySKEYSEED(PRF_HMAC_SHA1, oldSKd, []byte{1, 2, 3}, ni, nr)
	if !bytes.Equal(got, mustHex(t, "68f634606e6791828c2681b7c5a41ca6a6f21dd9")) {
		t.Errorf("重协商 SKEYSEED 不匹配: %X", got)
	}
}

func TestIKEKeyMaterialZero(t *testing.T) {
	keys, err := DeriveIKEKeys(PRF_HMAC_SHA2_256, []byte("shared"), []byte("ni"), []byte("nr"), 1, 2, 32, 32)
	if err != nil {
		t.Fatalf("DeriveIKEKeys 失败: %v", err)
	}
	if len(keys.SKd) != 32 || len(keys.SKpi) != 32 || len(keys.SKei) != 32 {
		t.Fatalf("密钥长度错误: d=%d pi=%d ei=%d", len(keys.SKd), len(keys.SKpi), len(keys.SKei))
	}
	keys.Zero()
	for _, b := range [][]byte{keys.SKd, keys.SKai, keys.SKar, keys.SKei, keys.SKer, keys.SKpi, keys.SKpr} {
		if !bytes.Equal(b, make([]byte, len(b))) {
			t.Fatalf("Zero 之后仍有非零密钥: %X", b)
		}
	}
}

func TestPrfPlusOverflow(t *testing.T) {
	if _, err := PrfPlus(PRF_HMAC_SHA1, []byte("k"), []byte("s"), 20*255); err != nil {
		t.Fatalf("255 块应当允许: %v", err)
	}
	if _, err := PrfPlus(PRF_HMAC_SHA1, []byte("k"), []byte("s"), 20*255+1); err != ErrPrfPlusOverflow {
		t.Fatalf("期望溢出错误, got %v", err)
	}
}
