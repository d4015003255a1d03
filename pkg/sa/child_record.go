package sa

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
)

// Direction IPsec 变换方向
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// Endpoints Child SA 外层地址，EncapPort 非 0 时使用 UDP 封装
type Endpoints struct {
	Local           netip.Addr
	Remote          netip.Addr
	LocalEncapPort  uint16
	RemoteEncapPort uint16
}

// IPsecTransform 单方向的内核 SA 描述
type IPsecTransform struct {
	Direction Direction
	SPI       uint32
	Src, Dst  netip.Addr
	// 0 表示不封装
	EncapSrcPort uint16
	EncapDstPort uint16

	Encr       ikev2.AlgorithmType
	EncrKeyLen int
	EncrKey    []byte
	Integ      ikev2.AlgorithmType
	IntegKey   []byte
	ESN        bool
	Transport  bool

	LocalTS  []*ikev2.TrafficSelector
	RemoteTS []*ikev2.TrafficSelector
}

// Clone 深拷贝密钥，交给用户回调后记录关闭清零不受影响
func (t *IPsecTransform) Clone() *IPsecTransform {
	c := *t
	c.EncrKey = append([]byte(nil), t.EncrKey...)
	c.IntegKey = append([]byte(nil), t.IntegKey...)
	return &c
}

func (t *IPsecTransform) String() string {
	return fmt.Sprintf("%s spi=%08x %s->%s", t.Direction, t.SPI, t.Src, t.Dst)
}

// ChildSaParams 构造 Child SA 记录的输入
type ChildSaParams struct {
	LocalSPI    *Spi
	RemoteSPI   uint32
	IsLocalInit bool
	Algorithms  *ikev2.MatchedAlgorithms
	PRF         crypto.PRF
	SKd         []byte
	// SharedSecret 仅 PFS 时非空
	SharedSecret []byte
	Ni, Nr       []byte
	Endpoints    Endpoints
	Transport    bool
	LocalTS      []*ikev2.TrafficSelector
	RemoteTS     []*ikev2.TrafficSelector
	Lifetime     *LifetimeAlarm
}

// ChildSaRecord 一对方向相反的 IPsec SA
type ChildSaRecord struct {
	IsLocalInit bool
	RemoteSPI   uint32
	Algorithms  *ikev2.MatchedAlgorithms
	Ni, Nr      []byte
	Inbound     *IPsecTransform
	Outbound    *IPsecTransform

	localSPI *Spi
	keys     *crypto.ChildKeyMaterial
	lifetime *LifetimeAlarm
	closed   bool
}

func NewChildSaRecord(p ChildSaParams) (*ChildSaRecord, error) {
	if p.LocalSPI == nil || p.Algorithms == nil || p.PRF == nil {
		return nil, errors.New("Child SA 参数不完整")
	}
	enc, integ, err := p.Algorithms.Cipher()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveChildKeys(p.PRF, p.SKd, p.SharedSecret, p.Ni, p.Nr,
		integ.KeySize(), enc.KeyMaterialSize())
	if err != nil {
		return nil, fmt.Errorf("派生 Child SA 密钥失败: %w", err)
	}

	r := &ChildSaRecord{
		IsLocalInit: p.IsLocalInit,
		RemoteSPI:   p.RemoteSPI,
		Algorithms:  p.Algorithms,
		Ni:          append([]byte(nil), p.Ni...),
		Nr:          append([]byte(nil), p.Nr...),
		localSPI:    p.LocalSPI,
		keys:        keys,
		lifetime:    p.Lifetime,
	}

	// 发起方发送使用 Init 密钥
	outEncr, outInteg, inEncr, inInteg := keys.RespEncr, keys.RespInteg, keys.InitEncr, keys.InitInteg
	if p.IsLocalInit {
		outEncr, outInteg, inEncr, inInteg = keys.InitEncr, keys.InitInteg, keys.RespEncr, keys.RespInteg
	}
	ep := p.Endpoints
	base := IPsecTransform{
		Encr:       p.Algorithms.Encr,
		EncrKeyLen: p.Algorithms.EncrKeyLen,
		Integ:      p.Algorithms.Integ,
		ESN:        p.Algorithms.ESN,
		Transport:  p.Transport,
		LocalTS:    p.LocalTS,
		RemoteTS:   p.RemoteTS,
	}
	in, out := base, base
	in.Direction, in.SPI = DirectionIn, p.LocalSPI.Uint32()
	in.Src, in.Dst = ep.Remote, ep.Local
	in.EncapSrcPort, in.EncapDstPort = ep.RemoteEncapPort, ep.LocalEncapPort
	in.EncrKey, in.IntegKey = inEncr, inInteg

	out.Direction, out.SPI = DirectionOut, p.RemoteSPI
	out.Src, out.Dst = ep.Local, ep.Remote
	out.EncapSrcPort, out.EncapDstPort = ep.LocalEncapPort, ep.RemoteEncapPort
	out.EncrKey, out.IntegKey = outEncr, outInteg

	r.Inbound, r.Outbound = &in, &out
	return r, nil
}

func (r *ChildSaRecord) LocalSPI() uint32 { return r.localSPI.Uint32() }

func (r *ChildSaRecord) Keys() *crypto.ChildKeyMaterial { return r.keys }

// Compare 与 IKE SA 相同的 nonce 规则
func (r *ChildSaRecord) Compare(other *ChildSaRecord) int {
	return compareLowestNonce(r.Ni, r.Nr, other.Ni, other.Nr)
}

func (r *ChildSaRecord) RescheduleRekey(d time.Duration) {
	if r.lifetime != nil {
		r.lifetime.RescheduleSoft(d)
	}
}

func (r *ChildSaRecord) ScheduleLifetimeExpiryAlarm() {
	if r.lifetime != nil {
		r.lifetime.Schedule()
	}
}

func (r *ChildSaRecord) CancelLifetimeExpiryAlarm() {
	if r.lifetime != nil {
		r.lifetime.Cancel()
	}
}

func (r *ChildSaRecord) Closed() bool { return r.closed }

// Close 可重复调用
func (r *ChildSaRecord) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.CancelLifetimeExpiryAlarm()
	r.keys.Zero()
	r.localSPI.Release()
}

func (r *ChildSaRecord) String() string {
	return fmt.Sprintf("Child SA in=%08x out=%08x", r.LocalSPI(), r.RemoteSPI)
}
