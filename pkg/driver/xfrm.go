package driver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/iniwex5/netlink"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// 抗重放窗口
const defaultReplayWindow = 32

// xfrmOps 内核 XFRM 操作，测试中替换
type xfrmOps interface {
	StateAdd(*netlink.XfrmState) error
	StateDel(*netlink.XfrmState) error
	PolicyUpdate(*netlink.XfrmPolicy) error
	PolicyDel(*netlink.XfrmPolicy) error
}

type kernelOps struct{}

func (kernelOps) StateAdd(s *netlink.XfrmState) error     { return netlink.XfrmStateAdd(s) }
func (kernelOps) StateDel(s *netlink.XfrmState) error     { return netlink.XfrmStateDel(s) }
func (kernelOps) PolicyUpdate(p *netlink.XfrmPolicy) error { return netlink.XfrmPolicyUpdate(p) }
func (kernelOps) PolicyDel(p *netlink.XfrmPolicy) error    { return netlink.XfrmPolicyDel(p) }

type stateKey struct {
	spi uint32
	dir sa.Direction
}

type installed struct {
	state    *netlink.XfrmState
	policies []string
}

type policyRef struct {
	policy *netlink.XfrmPolicy
	refs   int
}

// XFRMInstaller 把 Child SA 的 IPsec 变换写入内核 XFRM
// 同一对流量选择器的策略在新旧 SA 之间共享，最后一个 SA 删除时才移除
type XFRMInstaller struct {
	log *zap.Logger
	ns  *NetNS
	ops xfrmOps

	mu       sync.Mutex
	states   map[stateKey]*installed
	policies map[string]*policyRef
}

// NewXFRMInstaller ns 非 nil 时在该命名空间内操作
func NewXFRMInstaller(log *zap.Logger, ns *NetNS) *XFRMInstaller {
	return newXFRMInstaller(log, ns, kernelOps{})
}

func newXFRMInstaller(log *zap.Logger, ns *NetNS, ops xfrmOps) *XFRMInstaller {
	return &XFRMInstaller{
		log:      logger.OrNop(log).Named("xfrm"),
		ns:       ns,
		ops:      ops,
		states:   make(map[stateKey]*installed),
		policies: make(map[string]*policyRef),
	}
}

func (x *XFRMInstaller) run(fn func() error) error {
	if x.ns == nil {
		return fn()
	}
	return x.ns.RunInNS(fn)
}

// Install 添加 SA 与对应策略，失败时回滚已添加的部分
func (x *XFRMInstaller) Install(t *sa.IPsecTransform) error {
	st, err := buildState(t)
	if err != nil {
		return err
	}
	pols, err := buildPolicies(t)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	key := stateKey{spi: t.SPI, dir: t.Direction}
	if _, ok := x.states[key]; ok {
		return fmt.Errorf("XFRM SA %s 已存在", t)
	}

	return x.run(func() error {
		if err := x.ops.StateAdd(st); err != nil {
			return fmt.Errorf("添加 XFRM SA (%s) 失败: %w", t, err)
		}
		in := &installed{state: st}
		for _, p := range pols {
			id := policyID(p)
			if ref, ok := x.policies[id]; ok {
				ref.refs++
				in.policies = append(in.policies, id)
				continue
			}
			if err := x.ops.PolicyUpdate(p); err != nil {
				err = fmt.Errorf("添加/更新 XFRM SP (%s) 失败: %w", id, err)
				return multierr.Append(err, x.remove(in))
			}
			x.policies[id] = &policyRef{policy: p, refs: 1}
			in.policies = append(in.policies, id)
		}
		x.states[key] = in
		x.log.Info("已安装 XFRM SA", logger.Stringer("sa", t), logger.Int("policies", len(in.policies)))
		return nil
	})
}

// Remove 删除 SA，SA 不存在时静默返回
func (x *XFRMInstaller) Remove(t *sa.IPsecTransform) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := stateKey{spi: t.SPI, dir: t.Direction}
	in, ok := x.states[key]
	if !ok {
		return nil
	}
	delete(x.states, key)
	err := x.run(func() error { return x.remove(in) })
	if err == nil {
		x.log.Info("已删除 XFRM SA", logger.Stringer("sa", t))
	}
	return err
}

// remove 调用方持有 mu
func (x *XFRMInstaller) remove(in *installed) error {
	var err error
	for i := len(in.policies) - 1; i >= 0; i-- {
		id := in.policies[i]
		ref := x.policies[id]
		if ref == nil {
			continue
		}
		if ref.refs--; ref.refs > 0 {
			continue
		}
		delete(x.policies, id)
		err = multierr.Append(err, ignoreMissing(x.ops.PolicyDel(ref.policy)))
	}
	in.policies = nil
	return multierr.Append(err, ignoreMissing(x.ops.StateDel(in.state)))
}

// Len 已安装的 SA 数
func (x *XFRMInstaller) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.states)
}

// Close 删除全部已安装的 SA 与策略
func (x *XFRMInstaller) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var err error
	for key, in := range x.states {
		in := in
		err = multierr.Append(err, x.run(func() error { return x.remove(in) }))
		delete(x.states, key)
	}
	return err
}

// ignoreMissing 已被内核删除 (如硬生命周期到期) 视为成功
func ignoreMissing(err error) error {
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ENOENT) {
		return nil
	}
	return err
}

func buildState(t *sa.IPsecTransform) (*netlink.XfrmState, error) {
	st := &netlink.XfrmState{
		Src:          addrIP(t.Src),
		Dst:          addrIP(t.Dst),
		Proto:        netlink.XFRM_PROTO_ESP,
		Mode:         xfrmMode(t),
		Spi:          int(t.SPI),
		ReplayWindow: defaultReplayWindow,
		// 参考 strongswan，tunnel 模式允许任意内层地址族
		AFUnspec: !t.Transport,
		ESN:      t.ESN,
		SADir:    netlink.XFRM_SA_DIR_OUT,
	}
	if t.Direction == sa.DirectionIn {
		st.SADir = netlink.XFRM_SA_DIR_IN
	}
	if err := stateAlgos(st, t); err != nil {
		return nil, err
	}
	if t.EncapSrcPort != 0 || t.EncapDstPort != 0 {
		st.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: int(t.EncapSrcPort),
			DstPort: int(t.EncapDstPort),
		}
	}
	return st, nil
}

// buildPolicies 出站 local->remote，入站 remote->local
func buildPolicies(t *sa.IPsecTransform) ([]*netlink.XfrmPolicy, error) {
	srcTS, dstTS, dir := t.LocalTS, t.RemoteTS, netlink.XFRM_DIR_OUT
	if t.Direction == sa.DirectionIn {
		srcTS, dstTS, dir = t.RemoteTS, t.LocalTS, netlink.XFRM_DIR_IN
	}
	tmpl := netlink.XfrmPolicyTmpl{
		Src:   addrIP(t.Src),
		Dst:   addrIP(t.Dst),
		Proto: netlink.XFRM_PROTO_ESP,
		Mode:  xfrmMode(t),
	}

	var out []*netlink.XfrmPolicy
	for _, s := range srcTS {
		srcNets, err := selectorNets(s)
		if err != nil {
			return nil, err
		}
		for _, d := range dstTS {
			if s.TSType != d.TSType {
				continue
			}
			dstNets, err := selectorNets(d)
			if err != nil {
				return nil, err
			}
			for _, sn := range srcNets {
				for _, dn := range dstNets {
					out = append(out, &netlink.XfrmPolicy{
						Src:   sn,
						Dst:   dn,
						Dir:   dir,
						Proto: netlink.Proto(s.IPProtocol),
						Tmpls: []netlink.XfrmPolicyTmpl{tmpl},
					})
				}
			}
		}
	}
	return out, nil
}

func policyID(p *netlink.XfrmPolicy) string {
	return fmt.Sprintf("%s %s->%s proto=%d", p.Dir, p.Src, p.Dst, p.Proto)
}

func xfrmMode(t *sa.IPsecTransform) netlink.Mode {
	if t.Transport {
		return netlink.XFRM_MODE_TRANSPORT
	}
	return netlink.XFRM_MODE_TUNNEL
}

func addrIP(a netip.Addr) net.IP {
	return net.IP(a.Unmap().AsSlice())
}

// selectorNets 地址范围拆成最少的 CIDR
func selectorNets(ts *ikev2.TrafficSelector) ([]*net.IPNet, error) {
	start, ok1 := netip.AddrFromSlice(ts.StartAddr)
	end, ok2 := netip.AddrFromSlice(ts.EndAddr)
	if !ok1 || !ok2 || start.BitLen() != end.BitLen() || end.Less(start) {
		return nil, fmt.Errorf("非法流量选择器 %x-%x", ts.StartAddr, ts.EndAddr)
	}
	var out []*net.IPNet
	for _, p := range rangePrefixes(start, end) {
		out = append(out, &net.IPNet{
			IP:   addrIP(p.Addr()),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}
	return out, nil
}

func rangePrefixes(start, end netip.Addr) []netip.Prefix {
	var out []netip.Prefix
	for {
		bits := start.BitLen()
		for bits > 0 {
			wider := netip.PrefixFrom(start, bits-1).Masked()
			if wider.Addr() != start || lastAddr(wider).Compare(end) > 0 {
				break
			}
			bits--
		}
		p := netip.PrefixFrom(start, bits)
		out = append(out, p)
		last := lastAddr(p)
		if last.Compare(end) >= 0 {
			return out
		}
		start = last.Next()
	}
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
