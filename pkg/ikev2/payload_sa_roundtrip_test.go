package ikev2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPayloadSARoundTrip(t *testing.T) {
	prop := NewProposal(1, ProtoESP, []byte{0xde, 0xad, 0xbe, 0xef})
	prop.AddTransform(TransformTypeEncr, ENCR_AES_CBC, 256)
	prop.AddTransform(TransformTypeInteg, AUTH_HMAC_SHA2_256_128, 0)
	prop.AddTransform(TransformTypeDH, ECP_256, 0)
	prop.AddTransform(TransformTypeESN, ESN_NONE, 0)

	enc, err := (&SAPayload{Proposals: []*Proposal{prop}}).Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	dec, err := DecodePayloadSA(enc)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if diff := cmp.Diff(prop, dec.Proposals[0]); diff != "" {
		t.Fatalf("Proposal 不一致 (-want +got):\n%s", diff)
	}

	got := dec.Proposals[0]
	if spi, ok := got.SPIUint32(); !ok || spi != 0xdeadbeef {
		t.Fatalf("SPI 错误: %x", spi)
	}
	if diff := cmp.Diff([]AlgorithmType{ECP_256}, got.DHGroups()); diff != "" {
		t.Fatalf("DH 组错误:\n%s", diff)
	}
	if got.TransformsOf(TransformTypeEncr)[0].KeyLength() != 256 {
		t.Fatal("密钥长度属性丢失")
	}
}

func TestProposalCloneIsDeep(t *testing.T) {
	prop := NewProposal(1, ProtoESP, []byte{1, 2, 3, 4})
	prop.AddTransform(TransformTypeEncr, ENCR_AES_GCM_16, 128)

	c := prop.Clone()
	c.SPI[0] = 9
	c.Transforms[0].Attributes[0].Val = 256
	if prop.SPI[0] != 1 || prop.Transforms[0].KeyLength() != 128 {
		t.Fatal("Clone 修改影响了原对象")
	}
}
