package driver

import (
	"bytes"
	"errors"
	"net/netip"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iniwex5/netlink"
	"go.uber.org/zap/zaptest"

	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/sa"
)

type fakeXfrm struct {
	states     map[int]*netlink.XfrmState
	policies   map[string]*netlink.XfrmPolicy
	policyAdds int
	failPolicy error
	stateDel   error
}

func newFakeXfrm() *fakeXfrm {
	return &fakeXfrm{
		states:   make(map[int]*netlink.XfrmState),
		policies: make(map[string]*netlink.XfrmPolicy),
	}
}

func (f *fakeXfrm) StateAdd(s *netlink.XfrmState) error {
	if _, ok := f.states[s.Spi]; ok {
		return syscall.EEXIST
	}
	f.states[s.Spi] = s
	return nil
}

func (f *fakeXfrm) StateDel(s *netlink.XfrmState) error {
	if f.stateDel != nil {
		return f.stateDel
	}
	if _, ok := f.states[s.Spi]; !ok {
		return syscall.ESRCH
	}
	delete(f.states, s.Spi)
	return nil
}

func (f *fakeXfrm) PolicyUpdate(p *netlink.XfrmPolicy) error {
	if f.failPolicy != nil {
		return f.failPolicy
	}
	f.policyAdds++
	f.policies[policyID(p)] = p
	return nil
}

func (f *fakeXfrm) PolicyDel(p *netlink.XfrmPolicy) error {
	delete(f.policies, policyID(p))
	return nil
}

func ts4(start, end string) *ikev2.TrafficSelector {
	return &ikev2.TrafficSelector{
		TSType:    ikev2.TS_IPV4_ADDR_RANGE,
		EndPort:   65535,
		StartAddr: netip.MustParseAddr(start).AsSlice(),
		EndAddr:   netip.MustParseAddr(end).AsSlice(),
	}
}

func testTransform(dir sa.Direction, spi uint32) *sa.IPsecTransform {
	t := &sa.IPsecTransform{
		Direction:  dir,
		SPI:        spi,
		Src:        netip.MustParseAddr("192.0.2.1"),
		Dst:        netip.MustParseAddr("198.51.100.1"),
		Encr:       ikev2.ENCR_AES_CBC,
		EncrKeyLen: 128,
		EncrKey:    bytes.Repeat([]byte{1}, 16),
		Integ:      ikev2.AUTH_HMAC_SHA2_256_128,
		IntegKey:   bytes.Repeat([]byte{2}, 32),
		LocalTS:    []*ikev2.TrafficSelector{ts4("10.0.0.2", "10.0.0.2")},
		RemoteTS:   []*ikev2.TrafficSelector{ts4("0.0.0.0", "255.255.255.255")},
	}
	if dir == sa.DirectionIn {
		t.Src, t.Dst = t.Dst, t.Src
	}
	return t
}

func TestBuildStateCBC(t *testing.T) {
	tr := testTransform(sa.DirectionOut, 0x1000)
	tr.EncapSrcPort, tr.EncapDstPort = 4500, 4500
	st, err := buildState(tr)
	if err != nil {
		t.Fatalf("buildState 失败: %v", err)
	}
	if st.Mode != netlink.XFRM_MODE_TUNNEL || st.Spi != 0x1000 || st.SADir != netlink.XFRM_SA_DIR_OUT {
		t.Fatalf("SA 基本字段错误: %+v", st)
	}
	if st.Aead != nil || st.Crypt.Name != "cbc(aes)" || st.Auth.Name != "hmac(sha256)" || st.Auth.TruncateLen != 128 {
		t.Fatalf("算法错误: crypt=%+v auth=%+v", st.Crypt, st.Auth)
	}
	want := &netlink.XfrmStateEncap{Type: netlink.XFRM_ENCAP_ESPINUDP, SrcPort: 4500, DstPort: 4500}
	if diff := cmp.Diff(want, st.Encap); diff != "" {
		t.Fatalf("封装错误 (-want +got):\n%s", diff)
	}
}

func TestBuildStateAEAD(t *testing.T) {
	tr := testTransform(sa.DirectionIn, 0x2000)
	tr.Encr, tr.Integ, tr.IntegKey = ikev2.ENCR_AES_GCM_16, 0, nil
	tr.EncrKey = bytes.Repeat([]byte{3}, 20)
	tr.Transport = true
	st, err := buildState(tr)
	if err != nil {
		t.Fatalf("buildState 失败: %v", err)
	}
	if st.Aead == nil || st.Aead.Name != "rfc4106(gcm(aes))" || st.Aead.ICVLen != 128 || st.Crypt != nil {
		t.Fatalf("AEAD 错误: %+v", st.Aead)
	}
	if st.Mode != netlink.XFRM_MODE_TRANSPORT || st.AFUnspec || st.Encap != nil || st.SADir != netlink.XFRM_SA_DIR_IN {
		t.Fatalf("SA 字段错误: %+v", st)
	}

	tr.EncrKey = tr.EncrKey[:16]
	if _, err := buildState(tr); err == nil {
		t.Fatalf("缺少 salt 的 AEAD 密钥应被拒绝")
	}
}

func TestBuildStateUnsupported(t *testing.T) {
	tr := testTransform(sa.DirectionOut, 1)
	tr.Encr = ikev2.ENCR_3DES
	if _, err := buildState(tr); err == nil {
		t.Fatalf("应拒绝 3DES")
	}
	tr = testTransform(sa.DirectionOut, 1)
	tr.IntegKey = tr.IntegKey[:20]
	if _, err := buildState(tr); err == nil {
		t.Fatalf("应拒绝长度错误的完整性密钥")
	}
}

func TestRangePrefixes(t *testing.T) {
	tests := []struct {
		start, end string
		want       []string
	}{
		{"10.0.0.2", "10.0.0.2", []string{"10.0.0.2/32"}},
		{"0.0.0.0", "255.255.255.255", []string{"0.0.0.0/0"}},
		{"10.0.0.1", "10.0.0.6", []string{"10.0.0.1/32", "10.0.0.2/31", "10.0.0.4/31", "10.0.0.6/32"}},
		{"2001:db8::", "2001:db8::ffff", []string{"2001:db8::/112"}},
		{"255.255.255.254", "255.255.255.255", []string{"255.255.255.254/31"}},
	}
	for _, tt := range tests {
		var got []string
		for _, p := range rangePrefixes(netip.MustParseAddr(tt.start), netip.MustParseAddr(tt.end)) {
			got = append(got, p.String())
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("%s-%s (-want +got):\n%s", tt.start, tt.end, diff)
		}
	}
}

func TestSelectorNetsRejectsMixedFamily(t *testing.T) {
	ts := &ikev2.TrafficSelector{
		StartAddr: netip.MustParseAddr("10.0.0.1").AsSlice(),
		EndAddr:   netip.MustParseAddr("::1").AsSlice(),
	}
	if _, err := selectorNets(ts); err == nil {
		t.Fatalf("应拒绝混合地址族")
	}
}

func TestInstallerSharesPoliciesAcrossRekey(t *testing.T) {
	ops := newFakeXfrm()
	x := newXFRMInstaller(zaptest.NewLogger(t), nil, ops)

	oldIn, oldOut := testTransform(sa.DirectionIn, 0x10), testTransform(sa.DirectionOut, 0x11)
	newIn, newOut := testTransform(sa.DirectionIn, 0x20), testTransform(sa.DirectionOut, 0x21)
	for _, tr := range []*sa.IPsecTransform{oldIn, oldOut, newIn, newOut} {
		if err := x.Install(tr); err != nil {
			t.Fatalf("Install 失败: %v", err)
		}
	}
	if len(ops.states) != 4 || len(ops.policies) != 2 || ops.policyAdds != 2 {
		t.Fatalf("states=%d policies=%d adds=%d", len(ops.states), len(ops.policies), ops.policyAdds)
	}
	if err := x.Install(oldIn); err == nil {
		t.Fatalf("重复安装应失败")
	}

	// 旧 SA 删除后策略仍由新 SA 使用
	x.Remove(oldIn)
	x.Remove(oldOut)
	if len(ops.states) != 2 || len(ops.policies) != 2 {
		t.Fatalf("删除旧 SA 后 states=%d policies=%d", len(ops.states), len(ops.policies))
	}
	if err := x.Remove(oldIn); err != nil {
		t.Fatalf("重复删除应静默成功: %v", err)
	}

	if err := x.Close(); err != nil {
		t.Fatalf("Close 失败: %v", err)
	}
	if len(ops.states) != 0 || len(ops.policies) != 0 || x.Len() != 0 {
		t.Fatalf("Close 后仍有残留: states=%d policies=%d", len(ops.states), len(ops.policies))
	}
}

func TestInstallerRollsBackOnPolicyFailure(t *testing.T) {
	ops := newFakeXfrm()
	ops.failPolicy = syscall.EPERM
	x := newXFRMInstaller(nil, nil, ops)

	err := x.Install(testTransform(sa.DirectionOut, 0x30))
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("err = %v, want EPERM", err)
	}
	if len(ops.states) != 0 || x.Len() != 0 {
		t.Fatalf("策略失败后 SA 应被回滚")
	}
}

func TestInstallerIgnoresKernelExpiredState(t *testing.T) {
	ops := newFakeXfrm()
	x := newXFRMInstaller(nil, nil, ops)
	tr := testTransform(sa.DirectionOut, 0x40)
	if err := x.Install(tr); err != nil {
		t.Fatalf("Install 失败: %v", err)
	}
	ops.stateDel = syscall.ESRCH
	if err := x.Remove(tr); err != nil {
		t.Fatalf("内核已删除的 SA 应视为成功: %v", err)
	}
}
