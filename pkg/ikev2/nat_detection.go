package ikev2

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"net/netip"
)

// CalculateNATDetectionHash 计算 NAT 检测哈希值
// RFC 7296 2.23: SHA-1(SPIi | SPIr | IP | Port)
func CalculateNATDetectionHash(spiI, spiR uint64, ip []byte, port uint16) []byte {
	h := sha1.New()

	buf := make([]byte, 16, 16+len(ip)+2)
	binary.BigEndian.PutUint64(buf[0:8], spiI)
	binary.BigEndian.PutUint64(buf[8:16], spiR)
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	h.Write(buf)

	return h.Sum(nil)
}

// NATDetectionHash 以 netip.AddrPort 为输入，IPv4 映射地址按 4 字节处理
func NATDetectionHash(spiI, spiR uint64, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	return CalculateNATDetectionHash(spiI, spiR, addr.AsSlice(), ap.Port())
}

// CreateNATDetectionNotify 创建 NAT 检测通知载荷
func CreateNATDetectionNotify(notifyType uint16, hash []byte) *NotifyPayload {
	return &NotifyPayload{
		ProtocolID: ProtoIKE,
		NotifyType: notifyType,
		NotifyData: hash,
	}
}

// NATDetectionPayloads 构造 SOURCE_IP 与 DESTINATION_IP 两个通知
func NATDetectionPayloads(spiI, spiR uint64, local, remote netip.AddrPort) []Payload {
	return []Payload{
		CreateNATDetectionNotify(NAT_DETECTION_SOURCE_IP, NATDetectionHash(spiI, spiR, local)),
		CreateNATDetectionNotify(NAT_DETECTION_DESTINATION_IP, NATDetectionHash(spiI, spiR, remote)),
	}
}

// NATResult NAT 检测结论
type NATResult struct {
	// LocalBehindNAT 对端看到的目的地址与本端地址不一致
	LocalBehindNAT bool
	// RemoteBehindNAT 对端源地址哈希都不匹配
	RemoteBehindNAT bool
	// Supported 对端是否携带了 NAT 检测通知
	Supported bool
}

func (r NATResult) Detected() bool {
	return r.LocalBehindNAT || r.RemoteBehindNAT
}

// DetectNAT 根据对端的 NAT_DETECTION 通知判断 NAT 位置
// local/remote 为本端视角下的地址
func DetectNAT(spiI, spiR uint64, payloads []Payload, local, remote netip.AddrPort) NATResult {
	var res NATResult
	var srcHashes [][]byte
	var dstHash []byte
	for _, n := range FindAll[*NotifyPayload](payloads) {
		switch n.NotifyType {
		case NAT_DETECTION_SOURCE_IP:
			srcHashes = append(srcHashes, n.NotifyData)
		case NAT_DETECTION_DESTINATION_IP:
			dstHash = n.NotifyData
		}
	}
	if len(srcHashes) == 0 || dstHash == nil {
		return res
	}
	res.Supported = true

	if subtle.ConstantTimeCompare(dstHash, NATDetectionHash(spiI, spiR, local)) != 1 {
		res.LocalBehindNAT = true
	}
	want := NATDetectionHash(spiI, spiR, remote)
	res.RemoteBehindNAT = true
	for _, h := range srcHashes {
		if subtle.ConstantTimeCompare(h, want) == 1 {
			res.RemoteBehindNAT = false
			break
		}
	}
	return res
}
