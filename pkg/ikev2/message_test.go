package ikev2

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeUnprotectedDecodesSA(t *testing.T) {
	prop := NewProposal(1, ProtoIKE, nil)
	prop.AddTransform(TransformTypeEncr, ENCR_AES_GCM_16, 128)
	prop.AddTransform(TransformTypePRF, PRF_HMAC_SHA2_256, 0)
	prop.AddTransform(TransformTypeDH, MODP_2048_bit, 0)

	hdr := &IKEHeader{
		SPIi:         0x1122334455667788,
		Version:      IKEv2Version,
		ExchangeType: IKE_SA_INIT,
		Flags:        FlagInitiator,
	}
	nonce := &NoncePayload{NonceData: make([]byte, 32)}
	raw, err := EncodeUnprotected(hdr, []Payload{&SAPayload{Proposals: []*Proposal{prop}}, nonce})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	res := DecodeUnprotected(raw)
	if res.Status != DecodeOK {
		t.Fatalf("解码失败: %v %v", res.Status, res.Err)
	}
	if len(res.Message.Payloads) != 2 {
		t.Fatalf("载荷数量错误: %d", len(res.Message.Payloads))
	}
	sa, ok := FindPayload[*SAPayload](res.Message.Payloads)
	if !ok {
		t.Fatal("未找到 SA 载荷")
	}
	if diff := cmp.Diff(prop.Transforms, sa.Proposals[0].Transforms); diff != "" {
		t.Fatalf("Transform 不一致 (-want +got):\n%s", diff)
	}
	if res.Message.Header.ExchangeType != IKE_SA_INIT || res.Message.IsResponse() {
		t.Fatalf("头部错误: %s", res.Message.Header)
	}
}

func TestDecodeUnprotectedRejectsCriticalUnknown(t *testing.T) {
	hdr := &IKEHeader{Version: IKEv2Version, ExchangeType: IKE_SA_INIT}
	raw, err := EncodeUnprotected(hdr, []Payload{&RawPayload{PType: 99, Data: []byte{1}}})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	// 置位 critical
	raw[IKE_HEADER_LEN+1] = 0x80
	res := DecodeUnprotected(raw)
	if res.Status != DecodeUnprotectedError {
		t.Fatalf("期望解码失败, got %v", res.Status)
	}
	if n, ok := NotifyOf(res.Err); !ok || n != UNSUPPORTED_CRITICAL_PAYLOAD {
		t.Fatalf("期望 UNSUPPORTED_CRITICAL_PAYLOAD, got %v", res.Err)
	}
}

func TestDeletePayloadChildSPIs(t *testing.T) {
	d := NewDeleteChild(0x01020304, 0xa0b0c0d0)
	body, err := d.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := DecodePayloadDelete(body)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if diff := cmp.Diff([]uint32{0x01020304, 0xa0b0c0d0}, got.ChildSPIs()); diff != "" {
		t.Fatalf("SPI 列表不一致:\n%s", diff)
	}
	if _, err := DecodePayloadDelete([]byte{byte(ProtoESP), 4, 0, 2, 1, 2, 3, 4}); err == nil {
		t.Fatal("SPI 数量与长度不符时应当报错")
	}
}

func TestProtocolErrorIs(t *testing.T) {
	err := NewInvalidSyntax("缺少 %s", "Nonce")
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Fatal("errors.Is 应当按通知类型匹配")
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("不同通知类型不应匹配")
	}
	ke := NewInvalidKEPayload(ECP_256)
	if n := ke.ToNotify(); n.NotifyType != INVALID_KE_PAYLOAD || n.NotifyData[1] != 19 {
		t.Fatalf("INVALID_KE_PAYLOAD 通知错误: %+v", n)
	}
}
