package ipsec

import (
	"bytes"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/iniwex5/ike-go/pkg/ikev2"
)

type received struct {
	pkt []byte
	src netip.AddrPort
}

type chanReceiver chan received

func (c chanReceiver) ReceivePacket(pkt []byte, src netip.AddrPort) {
	c <- received{pkt: pkt, src: src}
}

func testPacket(spii, spir uint64, flags uint8) []byte {
	h := ikev2.IKEHeader{
		SPIi:         spii,
		SPIr:         spir,
		Version:      0x20,
		ExchangeType: ikev2.INFORMATIONAL,
		Flags:        flags,
		MessageID:    3,
		Length:       ikev2.IKE_HEADER_LEN,
	}
	return h.Encode()
}

func newTestTransport(t *testing.T) *UDPTransport {
	t.Helper()
	tr, err := ListenUDP("127.0.0.1:0", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	tr.NATTPort = 0
	tr.Start()
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitPacket(t *testing.T, ch chanReceiver) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("等待数据包超时")
	}
	return received{}
}

func waitCounter(t *testing.T, p *uint64, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadUint64(p) < want {
		if time.Now().After(deadline) {
			t.Fatalf("计数器 %d 未达到 %d", atomic.LoadUint64(p), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseIKEPayloadWithMarker(t *testing.T) {
	raw := testPacket(0x1122334455667788, 0, ikev2.FlagInitiator)
	if !looksLikeIKE(raw) {
		t.Fatalf("明文 IKE 未被识别")
	}
	got, ok := parseIKEPayload(frame(raw, true))
	if !ok {
		t.Fatalf("带标记的 IKE 未被识别")
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("标记未被剥离")
	}
	if _, ok := parseIKEPayload(raw); ok {
		t.Fatalf("4500 端口上无标记的包应视为 ESP")
	}
}

func TestParseIKEPayloadRejectsESP(t *testing.T) {
	esp := append([]byte{0x12, 0x34, 0x56, 0x78, 0, 0, 0, 1}, make([]byte, 40)...)
	if _, ok := parseIKEPayload(esp); ok {
		t.Fatalf("ESP 被误认为 IKE")
	}
	if looksLikeIKE([]byte{0x01, 0x02, 0x03, 0x04, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("短包被误认为 IKE")
	}
}

func TestDispatchByLocalSPI(t *testing.T) {
	tr := newTestTransport(t)
	peer := newPeer(t)
	ch := make(chanReceiver, 4)
	tr.RegisterIKE(0xabcd, ch)

	dst := net.UDPAddrFromAddrPort(tr.LocalAddr())
	// 响应方发来的包，本端 SPI 在 SPIi
	resp := testPacket(0xabcd, 0x99, ikev2.FlagResponse)
	if _, err := peer.WriteToUDP(resp, dst); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	r := waitPacket(t, ch)
	if !bytes.Equal(r.pkt, resp) {
		t.Fatalf("数据包内容不符")
	}
	if want := addrPortOf(peer); r.src != want {
		t.Fatalf("来源地址 %v, want %v", r.src, want)
	}

	// 发起方发来的包，本端 SPI 在 SPIr
	req := testPacket(0x99, 0xabcd, ikev2.FlagInitiator)
	peer.WriteToUDP(req, dst)
	if r := waitPacket(t, ch); !bytes.Equal(r.pkt, req) {
		t.Fatalf("数据包内容不符")
	}

	tr.UnregisterIKE(0xabcd)
	peer.WriteToUDP(resp, dst)
	waitCounter(t, &tr.droppedIKE, 1)
	if got := tr.Stats().ReceivedIKE; got != 2 {
		t.Fatalf("ReceivedIKE = %d, want 2", got)
	}
}

func TestKeepaliveAndGarbageIgnored(t *testing.T) {
	tr := newTestTransport(t)
	peer := newPeer(t)
	ch := make(chanReceiver, 1)
	tr.RegisterIKE(1, ch)
	dst := net.UDPAddrFromAddrPort(tr.LocalAddr())

	peer.WriteToUDP([]byte{0xff}, dst)
	peer.WriteToUDP([]byte{1, 2, 3}, dst)
	waitCounter(t, &tr.droppedIKE, 1)
	peer.WriteToUDP(testPacket(1, 2, ikev2.FlagResponse), dst)
	waitPacket(t, ch)
	if got := tr.Stats().DroppedIKE; got != 1 {
		t.Fatalf("DroppedIKE = %d, want 1", got)
	}
}

func TestSendIKEPacket(t *testing.T) {
	tr := newTestTransport(t)
	peer := newPeer(t)
	pkt := testPacket(5, 6, ikev2.FlagInitiator)

	if err := tr.SendIKEPacket(pkt, addrPortOf(peer)); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	buf := make([]byte, 128)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(buf[:n], pkt) {
		t.Fatalf("500 端口不应添加标记")
	}
}

func TestSwitchToNATT(t *testing.T) {
	tr := newTestTransport(t)
	peer := newPeer(t)
	ch := make(chanReceiver, 1)
	tr.RegisterIKE(7, ch)

	local, err := tr.SwitchToNATT()
	if err != nil {
		t.Fatalf("切换失败: %v", err)
	}
	if local.Port() == tr.LocalAddr().Port() {
		t.Fatalf("NAT-T 端口应独立于 IKE 端口")
	}
	again, err := tr.SwitchToNATT()
	if err != nil || again != local {
		t.Fatalf("重复切换应返回同一地址: %v %v", again, err)
	}

	dst := net.UDPAddrFromAddrPort(local)
	esp := append([]byte{0, 0, 0x10, 0}, make([]byte, 40)...)
	peer.WriteToUDP(esp, dst)
	waitCounter(t, &tr.droppedESP, 1)

	pkt := testPacket(7, 8, ikev2.FlagResponse)
	peer.WriteToUDP(frame(pkt, true), dst)
	if r := waitPacket(t, ch); !bytes.Equal(r.pkt, pkt) {
		t.Fatalf("NAT-T 标记未剥离")
	}

	peerAddr := addrPortOf(peer)
	if err := tr.SendNATKeepalive(peerAddr); err != nil {
		t.Fatalf("保活发送失败: %v", err)
	}
	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if n != 1 || buf[0] != 0xff || from.Port() != local.Port() {
		t.Fatalf("保活包错误: % x from %v", buf[:n], from)
	}
}

func TestClosedTransport(t *testing.T) {
	tr, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	tr.Start()
	if err := tr.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := tr.SendIKEPacket([]byte{1}, netip.MustParseAddrPort("127.0.0.1:500")); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := tr.SwitchToNATT(); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("重复关闭: %v", err)
	}
}
