package ikev2

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"testing"
)

// TestNATDetectionHash 测试 NAT 检测哈希计算
func TestNATDetectionHash(t *testing.T) {
	spiI := uint64(0x1122334455667788)
	ap := netip.MustParseAddrPort("192.168.1.1:500")

	hash := NATDetectionHash(spiI, 0, ap)
	want, _ := hex.DecodeString("cda1f86bfa4c1ad08962d1679b09ba5e07a1f7f5")
	if !bytes.Equal(hash, want) {
		t.Fatalf("哈希不匹配: got %x", hash)
	}

	// IPv4 映射地址按 4 字节计算
	mapped := netip.AddrPortFrom(netip.AddrFrom16(ap.Addr().As16()), 500)
	if !bytes.Equal(NATDetectionHash(spiI, 0, mapped), want) {
		t.Error("IPv4 映射地址哈希不一致")
	}

	if bytes.Equal(hash, NATDetectionHash(spiI, 0, netip.MustParseAddrPort("192.168.1.1:4500"))) {
		t.Error("不同端口应产生不同的哈希")
	}
}

func TestDetectNAT(t *testing.T) {
	spiI, spiR := uint64(1), uint64(2)
	local := netip.MustParseAddrPort("10.0.0.2:500")
	remote := netip.MustParseAddrPort("203.0.113.1:500")

	// 对端视角: 源为 remote，目的为本端
	noNAT := NATDetectionPayloads(spiI, spiR, remote, local)
	res := DetectNAT(spiI, spiR, noNAT, local, remote)
	if !res.Supported || res.Detected() {
		t.Fatalf("无 NAT 时判断错误: %+v", res)
	}

	// 本端在 NAT 后: 对端看到的目的地址是公网地址
	behind := NATDetectionPayloads(spiI, spiR, remote, netip.MustParseAddrPort("198.51.100.7:61000"))
	res = DetectNAT(spiI, spiR, behind, local, remote)
	if !res.LocalBehindNAT || res.RemoteBehindNAT {
		t.Fatalf("本端 NAT 判断错误: %+v", res)
	}

	res = DetectNAT(spiI, spiR, nil, local, remote)
	if res.Supported || res.Detected() {
		t.Fatalf("没有通知时不应判断 NAT: %+v", res)
	}
}

// TestCreateNATDetectionNotify 测试创建 NAT 检测通知载荷
func TestCreateNATDetectionNotify(t *testing.T) {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i)
	}

	payload := CreateNATDetectionNotify(NAT_DETECTION_SOURCE_IP, hash)
	if payload.NotifyType != NAT_DETECTION_SOURCE_IP {
		t.Errorf("NotifyType 错误: got %d, want %d", payload.NotifyType, NAT_DETECTION_SOURCE_IP)
	}
	if !bytes.Equal(payload.NotifyData, hash) {
		t.Error("NotifyData 不匹配")
	}
	if payload.ProtocolID != ProtoIKE {
		t.Errorf("ProtocolID 错误: got %d, want %d", payload.ProtocolID, ProtoIKE)
	}
}
