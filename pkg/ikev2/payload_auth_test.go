package ikev2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAuthPayloadDecodeCopiesData(t *testing.T) {
	body, err := (&AuthPayload{AuthMethod: AuthMethodSharedKey, AuthData: []byte{1, 2, 3}}).Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if diff := cmp.Diff([]byte{2, 0, 0, 0, 1, 2, 3}, body); diff != "" {
		t.Fatalf("编码结果不符 (-want +got):\n%s", diff)
	}

	p, err := DecodePayloadAuth(body)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	body[4] = 0xff
	if p.AuthMethod != AuthMethodSharedKey || !cmp.Equal([]byte{1, 2, 3}, p.AuthData) {
		t.Fatalf("解码结果不应引用原始数据: %+v", p)
	}

	if _, err := DecodePayloadAuth([]byte{2, 0, 0}); err == nil {
		t.Fatalf("不足 4 字节应报错")
	}
	if got := AuthMethodName(14); got != "AUTH(14)" {
		t.Fatalf("未知方法名称 = %s", got)
	}
}
