package sa

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// IkeSaParams 构造 IKE SA 记录所需的协商结果
type IkeSaParams struct {
	// LocalSPI 本端分配的 SPI，记录关闭时释放
	LocalSPI  *Spi
	RemoteSPI uint64
	// IsLocalInit 本端是该 SA (或本次重协商) 的发起方
	IsLocalInit bool
	Ni, Nr      []byte

	SharedSecret []byte
	// OldSKd 非空时按重协商公式计算 SKEYSEED
	OldSKd []byte

	PRF   crypto.PRF
	Encr  crypto.Encrypter
	Integ crypto.IntegrityAlgorithm
	// Algorithms 协商出的提议，重协商时沿用
	Algorithms *ikev2.MatchedAlgorithms

	Lifetime *LifetimeAlarm
}

// IkeSaRecord IKE SA 的密钥与每方向的消息 ID/重传缓存
// 只在会话工作协程中使用
type IkeSaRecord struct {
	InitiatorSPI uint64
	ResponderSPI uint64
	IsLocalInit  bool
	Ni, Nr       []byte

	PRF        crypto.PRF
	Algorithms *ikev2.MatchedAlgorithms
	suite      *ikev2.CipherSuite
	keys       *crypto.IKEKeyMaterial
	localSPI   *Spi

	localRequestMessageID  uint32
	remoteRequestMessageID uint32

	lastReceivedReqFirstPacket []byte
	lastSentRespAllPackets     [][]byte
	// 0: 请求方向, 1: 响应方向
	collectedFragments [2]*ikev2.FragmentAccumulator

	lifetime *LifetimeAlarm
	closed   bool
}

// NewIkeSaRecord 计算密钥并构造记录
// 失败时不释放 LocalSPI，由调用方处理
func NewIkeSaRecord(p IkeSaParams) (*IkeSaRecord, error) {
	if p.LocalSPI == nil || p.PRF == nil || p.Encr == nil || p.Integ == nil {
		return nil, errors.New("IKE SA 参数不完整")
	}
	r := &IkeSaRecord{
		IsLocalInit: p.IsLocalInit,
		Ni:          append([]byte(nil), p.Ni...),
		Nr:          append([]byte(nil), p.Nr...),
		PRF:         p.PRF,
		Algorithms:  p.Algorithms,
		suite:       &ikev2.CipherSuite{Encr: p.Encr, Integ: p.Integ},
		localSPI:    p.LocalSPI,
		lifetime:    p.Lifetime,
	}
	if p.IsLocalInit {
		r.InitiatorSPI, r.ResponderSPI = p.LocalSPI.Value(), p.RemoteSPI
	} else {
		r.InitiatorSPI, r.ResponderSPI = p.RemoteSPI, p.LocalSPI.Value()
	}

	var skeyseed []byte
	if p.OldSKd != nil {
		skeyseed = crypto.DeriveRekeySKEYSEED(p.PRF, p.OldSKd, p.SharedSecret, p.Ni, p.Nr)
	} else {
		skeyseed = crypto.DeriveSKEYSEED(p.PRF, p.SharedSecret, p.Ni, p.Nr)
	}
	defer crypto.ZeroBytes(skeyseed)

	integLen := p.Integ.KeySize()
	keys, err := crypto.ExpandIKEKeys(p.PRF, skeyseed, p.Ni, p.Nr, r.InitiatorSPI, r.ResponderSPI,
		integLen, p.Encr.KeyMaterialSize())
	if err != nil {
		return nil, fmt.Errorf("派生 IKE 密钥失败: %w", err)
	}
	r.keys = keys
	return r, nil
}

func (r *IkeSaRecord) LocalSPI() uint64 {
	return r.localSPI.Value()
}

func (r *IkeSaRecord) RemoteSPI() uint64 {
	if r.IsLocalInit {
		return r.ResponderSPI
	}
	return r.InitiatorSPI
}

func (r *IkeSaRecord) Suite() *ikev2.CipherSuite { return r.suite }

func (r *IkeSaRecord) SKd() []byte { return r.keys.SKd }

// OutboundKeys 本端发送方向的加密与完整性密钥
func (r *IkeSaRecord) OutboundKeys() ikev2.DirectionKeys {
	if r.IsLocalInit {
		return ikev2.DirectionKeys{EncrKey: r.keys.SKei, IntegKey: r.keys.SKai}
	}
	return ikev2.DirectionKeys{EncrKey: r.keys.SKer, IntegKey: r.keys.SKar}
}

func (r *IkeSaRecord) InboundKeys() ikev2.DirectionKeys {
	if r.IsLocalInit {
		return ikev2.DirectionKeys{EncrKey: r.keys.SKer, IntegKey: r.keys.SKar}
	}
	return ikev2.DirectionKeys{EncrKey: r.keys.SKei, IntegKey: r.keys.SKai}
}

// LocalSKp 计算本端 AUTH 时使用的 SK_p
func (r *IkeSaRecord) LocalSKp() []byte {
	if r.IsLocalInit {
		return r.keys.SKpi
	}
	return r.keys.SKpr
}

func (r *IkeSaRecord) RemoteSKp() []byte {
	if r.IsLocalInit {
		return r.keys.SKpr
	}
	return r.keys.SKpi
}

// Keys 供测试核对派生结果
func (r *IkeSaRecord) Keys() *crypto.IKEKeyMaterial { return r.keys }

func (r *IkeSaRecord) LocalRequestMessageID() uint32  { return r.localRequestMessageID }
func (r *IkeSaRecord) RemoteRequestMessageID() uint32 { return r.remoteRequestMessageID }

// IncrementLocalRequestMessageID 本端发起的交换完成后调用
func (r *IkeSaRecord) IncrementLocalRequestMessageID() {
	r.localRequestMessageID++
}

// IncrementRemoteRequestMessageID 对端请求的响应发出后调用
func (r *IkeSaRecord) IncrementRemoteRequestMessageID() {
	r.remoteRequestMessageID++
}

// UpdateLastReceivedReqFirstPacket 记录最近处理的请求 (分片时为 1 号分片)
func (r *IkeSaRecord) UpdateLastReceivedReqFirstPacket(pkt []byte) {
	r.lastReceivedReqFirstPacket = append(r.lastReceivedReqFirstPacket[:0], pkt...)
}

// IsRetransmittedRequest 与已处理请求逐字节相同
func (r *IkeSaRecord) IsRetransmittedRequest(pkt []byte) bool {
	return r.lastReceivedReqFirstPacket != nil && bytes.Equal(r.lastReceivedReqFirstPacket, pkt)
}

// UpdateLastSentRespAllPackets 缓存最近一次响应的全部数据报
func (r *IkeSaRecord) UpdateLastSentRespAllPackets(pkts [][]byte) {
	r.lastSentRespAllPackets = pkts
}

func (r *IkeSaRecord) LastSentRespAllPackets() [][]byte {
	return r.lastSentRespAllPackets
}

func fragIndex(isResp bool) int {
	if isResp {
		return 1
	}
	return 0
}

func (r *IkeSaRecord) UpdateCollectedFragments(acc *ikev2.FragmentAccumulator, isResp bool) {
	r.collectedFragments[fragIndex(isResp)] = acc
}

func (r *IkeSaRecord) CollectedFragments(isResp bool) *ikev2.FragmentAccumulator {
	return r.collectedFragments[fragIndex(isResp)]
}

func (r *IkeSaRecord) ResetCollectedFragments(isResp bool) {
	r.collectedFragments[fragIndex(isResp)] = nil
}

// RescheduleRekey 只推迟软超时
func (r *IkeSaRecord) RescheduleRekey(d time.Duration) {
	if r.lifetime != nil {
		r.lifetime.RescheduleSoft(d)
	}
}

func (r *IkeSaRecord) ScheduleLifetimeExpiryAlarm() {
	if r.lifetime != nil {
		r.lifetime.Schedule()
	}
}

func (r *IkeSaRecord) CancelLifetimeExpiryAlarm() {
	if r.lifetime != nil {
		r.lifetime.Cancel()
	}
}

func (r *IkeSaRecord) Closed() bool { return r.closed }

// Close 清零密钥、取消定时器、释放 SPI，可重复调用
func (r *IkeSaRecord) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.CancelLifetimeExpiryAlarm()
	r.keys.Zero()
	r.localSPI.Release()
	r.lastSentRespAllPackets = nil
	r.collectedFragments = [2]*ikev2.FragmentAccumulator{}
}

// Compare 同时重协商时决定胜负: 四个 nonce 中最小者所在的 SA 被删除
// 返回 1 表示 r 存活
func (r *IkeSaRecord) Compare(other *IkeSaRecord) int {
	return compareLowestNonce(r.Ni, r.Nr, other.Ni, other.Nr)
}

func compareLowestNonce(ai, ar, bi, br []byte) int {
	return bytes.Compare(lowest(ai, ar), lowest(bi, br))
}

func lowest(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}

func (r *IkeSaRecord) String() string {
	return fmt.Sprintf("IKE SA %016x/%016x", r.InitiatorSPI, r.ResponderSPI)
}
