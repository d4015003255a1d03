package ikev2

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/iniwex5/ike-go/pkg/crypto"
)

func cbcSuite(t *testing.T) (*CipherSuite, DirectionKeys) {
	t.Helper()
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(ENCR_AES_CBC), 128)
	if err != nil {
		t.Fatalf("获取加密算法失败: %v", err)
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(AUTH_HMAC_SHA2_256_128))
	if err != nil {
		t.Fatalf("获取完整性算法失败: %v", err)
	}
	return &CipherSuite{Encr: enc, Integ: integ}, DirectionKeys{
		EncrKey:  bytes.Repeat([]byte{1}, 16),
		IntegKey: bytes.Repeat([]byte{2}, 32),
	}
}

func gcmSuite(t *testing.T) (*CipherSuite, DirectionKeys) {
	t.Helper()
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(ENCR_AES_GCM_16), 256)
	if err != nil {
		t.Fatalf("获取加密算法失败: %v", err)
	}
	return &CipherSuite{Encr: enc, Integ: crypto.AUTH_NONE}, DirectionKeys{
		EncrKey: bytes.Repeat([]byte{3}, 36),
	}
}

func testHeader() *IKEHeader {
	return &IKEHeader{
		SPIi:         0x0102030405060708,
		SPIr:         0x1112131415161718,
		Version:      IKEv2Version,
		ExchangeType: INFORMATIONAL,
		Flags:        FlagInitiator,
		MessageID:    5,
	}
}

func TestProtectedRoundTrip(t *testing.T) {
	for name, mk := range map[string]func(*testing.T) (*CipherSuite, DirectionKeys){"cbc": cbcSuite, "gcm": gcmSuite} {
		suite, keys := mk(t)
		payloads := []Payload{
			NewDeleteChild(0xcafebabe),
			NewNotify(INITIAL_CONTACT, nil),
		}
		pkts, err := EncodeProtected(testHeader(), payloads, suite, keys, 0)
		if err != nil {
			t.Fatalf("%s: 编码失败: %v", name, err)
		}
		if len(pkts) != 1 {
			t.Fatalf("%s: 不应分片: %d", name, len(pkts))
		}

		res := DecodeProtected(pkts[0], suite, keys, nil)
		if res.Status != DecodeOK {
			t.Fatalf("%s: 解码失败: %v %v", name, res.Status, res.Err)
		}
		if !bytes.Equal(res.FirstPacket, pkts[0]) {
			t.Fatalf("%s: FirstPacket 应为原始包", name)
		}
		d, ok := FindPayload[*DeletePayload](res.Message.Payloads)
		if !ok {
			t.Fatalf("%s: 缺少删除载荷", name)
		}
		if diff := cmp.Diff([]uint32{0xcafebabe}, d.ChildSPIs()); diff != "" {
			t.Fatalf("%s: SPI 不一致:\n%s", name, diff)
		}
		if FindNotify(res.Message.Payloads, INITIAL_CONTACT) == nil {
			t.Fatalf("%s: 缺少通知", name)
		}
	}
}

// 篡改密文属于未认证错误，只丢包
func TestProtectedTamperIsUnprotectedError(t *testing.T) {
	for name, mk := range map[string]func(*testing.T) (*CipherSuite, DirectionKeys){"cbc": cbcSuite, "gcm": gcmSuite} {
		suite, keys := mk(t)
		pkts, err := EncodeProtected(testHeader(), []Payload{NewNotify(INITIAL_CONTACT, nil)}, suite, keys, 0)
		if err != nil {
			t.Fatalf("%s: 编码失败: %v", name, err)
		}
		pkt := pkts[0]
		pkt[len(pkt)-1] ^= 0xff
		res := DecodeProtected(pkt, suite, keys, nil)
		if res.Status != DecodeUnprotectedError {
			t.Fatalf("%s: 期望未认证错误, got %v", name, res.Status)
		}
	}
}

// 认证通过但载荷链损坏属于受保护错误
func TestProtectedSyntaxErrorIsProtected(t *testing.T) {
	suite, keys := cbcSuite(t)
	// 声明的 Nonce 长度只有 2 字节
	bad := &RawPayload{PType: NiNr, Data: []byte{1, 2}}
	pkts, err := EncodeProtected(testHeader(), []Payload{bad}, suite, keys, 0)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	res := DecodeProtected(pkts[0], suite, keys, nil)
	if res.Status != DecodeProtectedError {
		t.Fatalf("期望受保护错误, got %v (%v)", res.Status, res.Err)
	}
}

func TestFragmentedRoundTrip(t *testing.T) {
	suite, keys := cbcSuite(t)
	big := &EAPPayload{EAPMessage: append([]byte{1, 7, 0x04, 0x00}, bytes.Repeat([]byte{0x5a}, 1020)...)}
	pkts, err := EncodeProtected(testHeader(), []Payload{big}, suite, keys, 300)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(pkts) < 4 {
		t.Fatalf("分片数量过少: %d", len(pkts))
	}
	for i, p := range pkts {
		if len(p) > 300 {
			t.Fatalf("分片 %d 超长: %d", i, len(p))
		}
	}

	// 乱序到达，1 号分片最后
	var acc *FragmentAccumulator
	order := append(append([][]byte{}, pkts[1:]...), pkts[0])
	for i, p := range order {
		res := DecodeProtected(p, suite, keys, acc)
		if i < len(order)-1 {
			if res.Status != DecodePartial {
				t.Fatalf("分片 %d 应为部分结果, got %v %v", i, res.Status, res.Err)
			}
			acc = res.Fragments
			continue
		}
		if res.Status != DecodeOK {
			t.Fatalf("重组失败: %v %v", res.Status, res.Err)
		}
		if !bytes.Equal(res.FirstPacket, pkts[0]) {
			t.Fatal("FirstPacket 应为 1 号分片")
		}
		eap, ok := FindPayload[*EAPPayload](res.Message.Payloads)
		if !ok || !bytes.Equal(eap.EAPMessage, big.EAPMessage) {
			t.Fatal("重组后的 EAP 内容不一致")
		}
	}
}

func TestFragmentDuplicateIgnored(t *testing.T) {
	acc := NewFragmentAccumulator(3, 2)
	if done, err := acc.Add(2, []byte("b"), NoNextPayload, nil); done || err != nil {
		t.Fatalf("第一个分片: done=%v err=%v", done, err)
	}
	if done, err := acc.Add(2, []byte("x"), NoNextPayload, nil); done || err != nil {
		t.Fatalf("重复分片: done=%v err=%v", done, err)
	}
	if done, err := acc.Add(1, []byte("a"), N, []byte("raw")); !done || err != nil {
		t.Fatalf("最后一个分片: done=%v err=%v", done, err)
	}
	out, err := acc.Assemble()
	if err != nil || string(out) != "ab" {
		t.Fatalf("重组结果错误: %q %v", out, err)
	}
	if _, err := acc.Add(3, nil, NoNextPayload, nil); err == nil {
		t.Fatal("越界编号应当报错")
	}
}
