package sa

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

var (
	testLocal  = netip.MustParseAddr("192.0.2.1")
	testRemote = netip.MustParseAddr("192.0.2.2")
)

func newPair(t *testing.T, g *Generator, sched AlarmScheduler) (*IkeSaRecord, *IkeSaRecord) {
	t.Helper()
	prf, _ := crypto.GetPRF(2)
	enc, _ := crypto.GetEncrypterWithKeyLen(12, 128)
	integ, _ := crypto.GetIntegrityAlgorithm(2)

	spiI, err := g.AllocateIKE(testLocal)
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	spiR, err := g.AllocateIKE(testRemote)
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	ni := bytes.Repeat([]byte{0x11}, 32)
	nr := bytes.Repeat([]byte{0x22}, 32)
	ss := bytes.Repeat([]byte{0xaa}, 32)

	var lt *LifetimeAlarm
	if sched != nil {
		lt = NewLifetimeAlarm(sched, time.Hour, 2*time.Hour, func() {}, func() {})
	}
	ri, err := NewIkeSaRecord(IkeSaParams{
		LocalSPI: spiI, RemoteSPI: spiR.Value(), IsLocalInit: true,
		Ni: ni, Nr: nr, SharedSecret: ss, PRF: prf, Encr: enc, Integ: integ, Lifetime: lt,
	})
	if err != nil {
		t.Fatalf("构造发起方记录失败: %v", err)
	}
	resp, err := NewIkeSaRecord(IkeSaParams{
		LocalSPI: spiR, RemoteSPI: spiI.Value(), IsLocalInit: false,
		Ni: ni, Nr: nr, SharedSecret: ss, PRF: prf, Encr: enc, Integ: integ,
	})
	if err != nil {
		t.Fatalf("构造响应方记录失败: %v", err)
	}
	return ri, resp
}

func TestIkeSaRecordKeysMirror(t *testing.T) {
	g := NewGenerator(nil)
	ri, resp := newPair(t, g, nil)

	if ri.InitiatorSPI != resp.InitiatorSPI || ri.ResponderSPI != resp.ResponderSPI {
		t.Fatal("双方 SPI 对不一致")
	}
	if !bytes.Equal(ri.OutboundKeys().EncrKey, resp.InboundKeys().EncrKey) ||
		!bytes.Equal(ri.InboundKeys().IntegKey, resp.OutboundKeys().IntegKey) {
		t.Fatal("双方方向密钥不对称")
	}
	if !bytes.Equal(ri.LocalSKp(), resp.RemoteSKp()) {
		t.Fatal("SK_p 不对称")
	}
	if len(ri.SKd()) != 20 || len(ri.OutboundKeys().EncrKey) != 16 {
		t.Fatalf("密钥长度错误: %d %d", len(ri.SKd()), len(ri.OutboundKeys().EncrKey))
	}

	// 同一套输入应与直接派生一致
	prf, _ := crypto.GetPRF(2)
	want, err := crypto.DeriveIKEKeys(prf, bytes.Repeat([]byte{0xaa}, 32),
		ri.Ni, ri.Nr, ri.InitiatorSPI, ri.ResponderSPI, 20, 16)
	if err != nil {
		t.Fatalf("派生失败: %v", err)
	}
	if !bytes.Equal(want.SKei, ri.Keys().SKei) {
		t.Fatal("记录密钥与直接派生结果不一致")
	}
}

func TestMessageIDAndRetransmitCache(t *testing.T) {
	g := NewGenerator(nil)
	_, resp := newPair(t, g, nil)

	if resp.LocalRequestMessageID() != 0 || resp.RemoteRequestMessageID() != 0 {
		t.Fatal("消息 ID 应从 0 开始")
	}
	req := []byte("request-1")
	if resp.IsRetransmittedRequest(req) {
		t.Fatal("未处理过的请求不应被识别为重传")
	}
	resp.UpdateLastReceivedReqFirstPacket(req)
	resp.UpdateLastSentRespAllPackets([][]byte{[]byte("resp-1a"), []byte("resp-1b")})
	resp.IncrementRemoteRequestMessageID()

	if resp.RemoteRequestMessageID() != 1 || resp.LocalRequestMessageID() != 0 {
		t.Fatalf("消息 ID 递增错误: %d %d", resp.RemoteRequestMessageID(), resp.LocalRequestMessageID())
	}
	if !resp.IsRetransmittedRequest([]byte("request-1")) {
		t.Fatal("相同字节的请求应被识别为重传")
	}
	if resp.IsRetransmittedRequest([]byte("request-2")) {
		t.Fatal("不同的请求不应被识别为重传")
	}
	if got := resp.LastSentRespAllPackets(); len(got) != 2 || string(got[1]) != "resp-1b" {
		t.Fatalf("缓存的响应错误: %q", got)
	}

	// 调用方后续复用缓冲区不影响缓存
	req[0] = 'X'
	if !resp.IsRetransmittedRequest([]byte("request-1")) {
		t.Fatal("缓存应持有副本")
	}
}

func TestCollectedFragmentsPerDirection(t *testing.T) {
	g := NewGenerator(nil)
	ri, _ := newPair(t, g, nil)
	acc := ikev2.NewFragmentAccumulator(1, 3)
	ri.UpdateCollectedFragments(acc, true)
	if ri.CollectedFragments(false) != nil || ri.CollectedFragments(true) != acc {
		t.Fatal("分片集合方向错误")
	}
	ri.ResetCollectedFragments(true)
	if ri.CollectedFragments(true) != nil {
		t.Fatal("重置后应为空")
	}
}

func TestIkeSaRecordCloseIdempotent(t *testing.T) {
	g := NewGenerator(nil)
	sched := NewManualScheduler()
	ri, resp := newPair(t, g, sched)
	ri.ScheduleLifetimeExpiryAlarm()
	if len(sched.Pending()) != 2 {
		t.Fatalf("应有软硬两个定时器: %v", sched.Pending())
	}

	skd := ri.SKd()
	ri.Close()
	ri.Close()
	if !ri.Closed() {
		t.Fatal("应为关闭状态")
	}
	if !bytes.Equal(skd, make([]byte, len(skd))) {
		t.Fatal("关闭后密钥应被清零")
	}
	if len(sched.Pending()) != 0 {
		t.Fatal("关闭后定时器应被取消")
	}
	if g.Held() != 1 {
		t.Fatalf("关闭后本端 SPI 应被释放: held=%d", g.Held())
	}
	resp.Close()
	if g.Held() != 0 {
		t.Fatalf("SPI 未全部释放: %d", g.Held())
	}
}

func TestRescheduleRekeyKeepsHardLifetime(t *testing.T) {
	g := NewGenerator(nil)
	sched := NewManualScheduler()
	soft, hard := 0, 0
	prf, _ := crypto.GetPRF(2)
	enc, _ := crypto.GetEncrypterWithKeyLen(12, 128)
	integ, _ := crypto.GetIntegrityAlgorithm(2)
	spi, _ := g.AllocateIKE(testLocal)
	r, err := NewIkeSaRecord(IkeSaParams{
		LocalSPI: spi, RemoteSPI: 1, IsLocalInit: true,
		Ni: []byte{1}, Nr: []byte{2}, SharedSecret: []byte{3},
		PRF: prf, Encr: enc, Integ: integ,
		Lifetime: NewLifetimeAlarm(sched, 10*time.Minute, 20*time.Minute,
			func() { soft++ }, func() { hard++ }),
	})
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	r.ScheduleLifetimeExpiryAlarm()
	sched.Advance(10 * time.Minute)
	if soft != 1 {
		t.Fatalf("软超时应触发一次: %d", soft)
	}

	r.RescheduleRekey(time.Minute)
	r.RescheduleRekey(time.Minute)
	sched.Advance(time.Minute)
	if soft != 2 {
		t.Fatalf("重新调度只应触发一次: %d", soft)
	}
	sched.Advance(9 * time.Minute)
	if hard != 1 {
		t.Fatalf("硬超时应保持原定时间: %d", hard)
	}
	r.Close()
}

func TestCompareLowestNonce(t *testing.T) {
	a := &IkeSaRecord{Ni: []byte{0x05, 0x00}, Nr: []byte{0x09, 0x00}}
	b := &IkeSaRecord{Ni: []byte{0x07, 0x00}, Nr: []byte{0x03, 0x00}}
	// b 持有最小 nonce 0x03，应被删除
	if a.Compare(b) != 1 || b.Compare(a) != -1 {
		t.Fatalf("比较结果错误: %d %d", a.Compare(b), b.Compare(a))
	}
}

func TestChildSaRecordTransforms(t *testing.T) {
	g := NewGenerator(nil)
	prf, _ := crypto.GetPRF(2)
	local, _ := g.AllocateChild(testLocal)
	alg := &ikev2.MatchedAlgorithms{
		ProtocolID: ikev2.ProtoESP, Encr: ikev2.ENCR_AES_CBC, EncrKeyLen: 128,
		Integ: ikev2.AUTH_HMAC_SHA1_96,
	}
	r, err := NewChildSaRecord(ChildSaParams{
		LocalSPI: local, RemoteSPI: 0x1000, IsLocalInit: true,
		Algorithms: alg, PRF: prf, SKd: bytes.Repeat([]byte{1}, 20),
		Ni: []byte{1, 2}, Nr: []byte{3, 4},
		Endpoints: Endpoints{Local: testLocal, Remote: testRemote, LocalEncapPort: 4500, RemoteEncapPort: 4500},
	})
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	if r.Inbound.SPI != local.Uint32() || r.Outbound.SPI != 0x1000 {
		t.Fatalf("SPI 方向错误: %v %v", r.Inbound, r.Outbound)
	}
	if r.Inbound.Dst != testLocal || r.Outbound.Dst != testRemote {
		t.Fatal("地址方向错误")
	}
	// 本端发起: 发送使用 Init 密钥
	if !bytes.Equal(r.Outbound.EncrKey, r.Keys().InitEncr) || !bytes.Equal(r.Inbound.IntegKey, r.Keys().RespInteg) {
		t.Fatal("密钥方向错误")
	}
	r.Close()
	r.Close()
	if g.Held() != 0 {
		t.Fatal("关闭后 SPI 应被释放")
	}
}
