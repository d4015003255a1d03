package ike

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/iniwex5/ike-go/pkg/crypto"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/request"
	"github.com/iniwex5/ike-go/pkg/sa"
)

// initPeer 对端视角的 IKE_SA_INIT 结果
type initPeer struct {
	req    *ikev2.Message
	reqPkt []byte
	resp   []byte
	ni, nr []byte
	rec    *sa.IkeSaRecord
}

// answerInit 对端接受本端最后发出的 IKE_SA_INIT
// seenLocal 为对端看到的本端地址，与本端实际地址不同即表示存在 NAT
func (h *harness) answerInit(seenLocal netip.AddrPort) *initPeer {
	h.t.Helper()
	reqPkt := h.tr.last(h.t)
	res := ikev2.DecodeUnprotected(reqPkt)
	if res.Status != ikev2.DecodeOK {
		h.t.Fatalf("IKE_SA_INIT 解析失败: %v", res.Err)
	}
	req := res.Message
	ke, _ := ikev2.FindPayload[*ikev2.KEPayload](req.Payloads)
	ni, _ := ikev2.FindPayload[*ikev2.NoncePayload](req.Payloads)
	if ke == nil || ni == nil {
		h.t.Fatalf("IKE_SA_INIT 缺少 KE/Nonce")
	}
	peerKE, err := crypto.NewKeyExchange(uint16(ke.DHGroup))
	if err != nil {
		h.t.Fatalf("对端 DH 失败: %v", err)
	}
	shared, err := peerKE.SharedSecret(ke.KEData)
	if err != nil {
		h.t.Fatalf("对端计算共享密钥失败: %v", err)
	}

	alg := testAlg()
	alg.DH = ke.DHGroup
	pspi, _ := h.peerSPIs.AllocateIKE(testRemote.Addr())
	nr := bytes.Repeat([]byte{0x5a}, 32)
	spiI := req.Header.SPIi
	payloads := []ikev2.Payload{
		&ikev2.SAPayload{Proposals: []*ikev2.Proposal{alg.Proposal()}},
		&ikev2.KEPayload{DHGroup: ke.DHGroup, KEData: peerKE.PublicKey()},
		&ikev2.NoncePayload{NonceData: nr},
	}
	payloads = append(payloads, ikev2.NATDetectionPayloads(spiI, pspi.Value(), testRemote, seenLocal)...)
	resp, err := ikev2.EncodeUnprotected(&ikev2.IKEHeader{
		SPIi: spiI, SPIr: pspi.Value(), Version: ikev2.IKEv2Version,
		ExchangeType: ikev2.IKE_SA_INIT, Flags: ikev2.FlagResponse,
	}, payloads)
	if err != nil {
		h.t.Fatalf("编码 IKE_SA_INIT 响应失败: %v", err)
	}
	return &initPeer{
		req:    req,
		reqPkt: reqPkt,
		resp:   resp,
		ni:     ni.NonceData,
		nr:     nr,
		rec:    h.peerRecord(pspi, spiI, false, ni.NonceData, nr, shared, nil),
	}
}

func (f *fakeTransport) lastDst(t *testing.T) netip.AddrPort {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dsts) == 0 {
		t.Fatalf("没有发出任何数据包")
	}
	return f.dsts[len(f.dsts)-1]
}

func invalidKE(t *testing.T, spiI uint64, group ikev2.AlgorithmType) []byte {
	t.Helper()
	pkt, err := ikev2.EncodeUnprotected(&ikev2.IKEHeader{
		SPIi: spiI, Version: ikev2.IKEv2Version,
		ExchangeType: ikev2.IKE_SA_INIT, Flags: ikev2.FlagResponse,
	}, []ikev2.Payload{ikev2.NewNotify(ikev2.INVALID_KE_PAYLOAD, binary.BigEndian.AppendUint16(nil, uint16(group)))})
	if err != nil {
		t.Fatalf("编码 INVALID_KE_PAYLOAD 失败: %v", err)
	}
	return pkt
}

func TestInvalidKERetry(t *testing.T) {
	tests := []struct {
		name      string
		requested []ikev2.AlgorithmType
		wantSent  int
		want      State
	}{
		{name: "offered group", requested: []ikev2.AlgorithmType{ikev2.ECP_384}, wantSent: 2, want: CreateIkeLocalIkeInit},
		{name: "only once", requested: []ikev2.AlgorithmType{ikev2.ECP_384, ikev2.ECP_256}, wantSent: 2, want: Closed},
		{name: "group not offered", requested: []ikev2.AlgorithmType{ikev2.MODP_2048_bit}, wantSent: 1, want: Closed},
		{name: "group already used", requested: []ikev2.AlgorithmType{ikev2.ECP_256}, wantSent: 1, want: Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			prop := testAlg().Proposal()
			prop.AddTransform(ikev2.TransformTypeDH, ikev2.ECP_384, 0)
			params.Proposals = []*ikev2.Proposal{prop}

			h := newBareHarness(t, params, Initial)
			h.s.enqueue(request.IKERequest{Cmd: request.CmdCreateIKE}, true)
			first := ikev2.DecodeUnprotected(h.tr.last(t)).Message
			for _, g := range tt.requested {
				h.deliver(invalidKE(t, first.Header.SPIi, g))
			}

			h.wantState(tt.want)
			if got := len(h.tr.packets()); got != tt.wantSent {
				t.Fatalf("应发送 %d 个 IKE_SA_INIT，实际 %d", tt.wantSent, got)
			}
			if tt.want == Closed {
				if len(h.cb.errs) != 1 || !errors.Is(h.cb.errs[0], ikev2.ErrInvalidKEPayload) {
					t.Fatalf("应以 INVALID_KE_PAYLOAD 关闭，实际 %v", h.cb.errs)
				}
				if h.spis.Held() != 0 || len(h.tr.spis()) != 0 {
					t.Fatalf("SPI 未释放: held=%d", h.spis.Held())
				}
				return
			}

			again := ikev2.DecodeUnprotected(h.tr.last(t)).Message
			if again.Header.SPIi != first.Header.SPIi {
				t.Fatalf("重发时 SPI 不应变化")
			}
			ke, _ := ikev2.FindPayload[*ikev2.KEPayload](again.Payloads)
			if ke == nil || ke.DHGroup != ikev2.ECP_384 {
				t.Fatalf("应使用对端要求的 DH 组")
			}
			n1, _ := ikev2.FindPayload[*ikev2.NoncePayload](first.Payloads)
			n2, _ := ikev2.FindPayload[*ikev2.NoncePayload](again.Payloads)
			if !bytes.Equal(n1.NonceData, n2.NonceData) {
				t.Fatalf("重发时 nonce 不应变化")
			}

			// 用新组完成 IKE_SA_INIT，IKE_AUTH 使用新组导出的密钥
			p := h.answerInit(testLocal)
			h.deliver(p.resp)
			h.wantState(CreateIkeLocalIkeAuth)
			if msg := h.lastSent(p.rec); msg.Header.ExchangeType != ikev2.IKE_AUTH {
				t.Fatalf("应发送 IKE_AUTH，实际 %s", msg.Header.ExchangeType)
			}
		})
	}
}

func TestNATDetectionSwitchesPort(t *testing.T) {
	tests := []struct {
		name      string
		seenLocal netip.AddrPort
		wantNATT  int
		wantPort  uint16
	}{
		{name: "no nat", seenLocal: testLocal, wantNATT: 0, wantPort: 500},
		{name: "local behind nat", seenLocal: netip.MustParseAddrPort("203.0.113.9:61000"), wantNATT: 1, wantPort: nattPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newBareHarness(t, testParams(), Initial)
			h.s.enqueue(request.IKERequest{Cmd: request.CmdCreateIKE}, true)
			p := h.answerInit(tt.seenLocal)
			h.deliver(p.resp)

			h.wantState(CreateIkeLocalIkeAuth)
			if h.tr.nattCalls != tt.wantNATT {
				t.Fatalf("切换 NAT-T 次数应为 %d，实际 %d", tt.wantNATT, h.tr.nattCalls)
			}
			if got := h.tr.lastDst(t); got.Port() != tt.wantPort || got.Addr() != testRemote.Addr() {
				t.Fatalf("IKE_AUTH 目的地址应为端口 %d，实际 %s", tt.wantPort, got)
			}
			if got := h.s.local.Port(); got != tt.wantPort {
				t.Fatalf("本端端口应为 %d，实际 %d", tt.wantPort, got)
			}
			if msg := h.lastSent(p.rec); msg.Header.ExchangeType != ikev2.IKE_AUTH || msg.Header.MessageID != 1 {
				t.Fatalf("应发送消息 ID 1 的 IKE_AUTH")
			}
		})
	}
}

// fakeEAP 固定回应，成功后给出 MSK
type fakeEAP struct {
	reqs [][]byte
	resp []byte
	msk  []byte
}

func (f *fakeEAP) Respond(req []byte) ([]byte, error) {
	f.reqs = append(f.reqs, append([]byte(nil), req...))
	return f.resp, nil
}

func (f *fakeEAP) MSK() []byte { return f.msk }

func TestEAPAuthentication(t *testing.T) {
	msk := bytes.Repeat([]byte{0x6b}, 64)
	tests := []struct {
		name string
		// peerKey 对端计算最终 AUTH 使用的密钥
		peerKey []byte
		want    State
	}{
		{name: "msk", peerKey: msk, want: Idle},
		{name: "peer uses other key", peerKey: bytes.Repeat([]byte{0x01}, 64), want: Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eap := &fakeEAP{resp: []byte{2, 7, 0, 8, 23, 1, 0, 0}, msk: msk}
			params := testParams()
			params.Auth = AuthConfig{Method: AuthEAP, EAP: eap, EAPOnly: true}
			h := newBareHarness(t, params, Initial)
			h.s.enqueue(request.IKERequest{Cmd: request.CmdCreateIKE}, true)
			p := h.answerInit(testLocal)
			h.deliver(p.resp)

			authReq := h.lastSent(p.rec)
			if _, ok := ikev2.FindPayload[*ikev2.AuthPayload](authReq.Payloads); ok {
				t.Fatalf("EAP 认证的第一个 IKE_AUTH 不应携带 AUTH")
			}
			if ikev2.FindNotify(authReq.Payloads, ikev2.EAP_ONLY_AUTHENTICATION) == nil {
				t.Fatalf("应声明 EAP_ONLY_AUTHENTICATION")
			}
			idi := ikev2.FindID(authReq.Payloads, true)

			eapReq := []byte{1, 7, 0, 8, 23, 1, 0, 0}
			idr := ikev2.NewIDFromString("gw.example.com", false)
			h.deliver(h.respond(p.rec, authReq, []ikev2.Payload{idr, &ikev2.EAPPayload{EAPMessage: eapReq}}))
			h.wantState(CreateIkeLocalIkeAuthInEap)
			if diff := cmp.Diff([][]byte{eapReq}, eap.reqs); diff != "" {
				t.Fatalf("EAP 请求应原样交给认证器 (-want +got):\n%s", diff)
			}
			eapMsg := h.lastSent(p.rec)
			got, ok := ikev2.FindPayload[*ikev2.EAPPayload](eapMsg.Payloads)
			if !ok || !bytes.Equal(got.EAPMessage, eap.resp) || eapMsg.Header.MessageID != 2 {
				t.Fatalf("应在消息 ID 2 上转发 EAP 响应")
			}

			h.deliver(h.respond(p.rec, eapMsg, []ikev2.Payload{&ikev2.EAPPayload{EAPMessage: []byte{3, 7, 0, 4}}}))
			h.wantState(CreateIkeLocalIkeAuthPostEap)
			final := h.lastSent(p.rec)
			auth, ok := ikev2.FindPayload[*ikev2.AuthPayload](final.Payloads)
			if !ok || final.Header.MessageID != 3 {
				t.Fatalf("EAP 成功后应在消息 ID 3 上发送 AUTH")
			}
			octets := crypto.SignedOctets(p.rec.PRF, p.reqPkt, p.nr, p.rec.RemoteSKp(), idi.Body())
			if err := crypto.VerifyPSKAuth(p.rec.PRF, msk, octets, auth.AuthData); err != nil {
				t.Fatalf("本端 AUTH 应以 MSK 计算: %v", err)
			}

			peerOctets := crypto.SignedOctets(p.rec.PRF, p.resp, p.ni, p.rec.LocalSKp(), idr.Body())
			h.deliver(h.respond(p.rec, final, []ikev2.Payload{&ikev2.AuthPayload{
				AuthMethod: ikev2.AuthMethodSharedKey,
				AuthData:   crypto.ComputePSKAuth(p.rec.PRF, tt.peerKey, peerOctets),
			}}))

			h.wantState(tt.want)
			if tt.want == Idle {
				if len(h.cb.opened) != 1 || h.cb.opened[0].RemoteID != "gw.example.com" {
					t.Fatalf("OnOpened 应调用一次: %v", h.cb.opened)
				}
				return
			}
			if len(h.cb.errs) != 1 || !errors.Is(h.cb.errs[0], ikev2.ErrAuthenticationFailed) {
				t.Fatalf("应以 AUTHENTICATION_FAILED 关闭，实际 %v", h.cb.errs)
			}
		})
	}
}

func TestFragmentedRequestReassembled(t *testing.T) {
	h := newHarness(t, testParams())
	var spis []uint32
	for i := uint32(0); i < 64; i++ {
		spis = append(spis, 0x7000+i)
	}
	frags := h.encodeFragments(h.peer, ikev2.INFORMATIONAL, 0, false, []ikev2.Payload{ikev2.NewDeleteChild(spis...)}, 160)
	if len(frags) < 3 {
		t.Fatalf("应至少分成 3 片，实际 %d", len(frags))
	}
	h.peer.IncrementLocalRequestMessageID()

	// 1 号分片最后到达
	for i, f := range frags[1:] {
		h.deliver(f)
		acc := h.s.current.CollectedFragments(false)
		if acc == nil || acc.Received() != i+1 {
			t.Fatalf("第 %d 片后应缓存分片", i+2)
		}
		if got := len(h.tr.packets()); got != 0 {
			t.Fatalf("分片未收齐前不应响应，实际发送 %d", got)
		}
		h.wantState(Idle)
	}
	h.deliver(frags[0])
	msg := h.lastSent(h.peer)
	if !msg.IsResponse() || msg.Header.MessageID != 0 || len(msg.Payloads) != 0 {
		t.Fatalf("重组后应对消息 ID 0 给出空响应")
	}
	if h.s.current.CollectedFragments(false) != nil {
		t.Fatalf("重组后应清空分片")
	}
	if got := h.s.current.RemoteRequestMessageID(); got != 1 {
		t.Fatalf("期望的对端消息 ID 应为 1，实际 %d", got)
	}

	// 重传以 1 号分片识别
	h.deliver(frags[0])
	pkts := h.tr.packets()
	if len(pkts) != 2 || !bytes.Equal(pkts[0], pkts[1]) {
		t.Fatalf("重传的 1 号分片应得到缓存的响应")
	}
}

func TestProtectedDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		pkt  func(h *harness) []byte
		want State
		// wantSent 关闭前尽力发送的删除请求
		wantSent int
	}{
		{
			name: "integrity failure is dropped",
			pkt: func(h *harness) []byte {
				pkt := h.request(h.peer, ikev2.INFORMATIONAL, nil)
				pkt[len(pkt)-1] ^= 0xff
				return pkt
			},
			want:     Idle,
			wantSent: 0,
		},
		{
			name: "malformed payload after integrity is fatal",
			pkt: func(h *harness) []byte {
				return h.request(h.peer, ikev2.INFORMATIONAL, []ikev2.Payload{&ikev2.RawPayload{PType: ikev2.KE, Data: []byte{0}}})
			},
			want:     Closed,
			wantSent: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testParams())
			h.deliver(tt.pkt(h))

			h.wantState(tt.want)
			if got := len(h.tr.packets()); got != tt.wantSent {
				t.Fatalf("应发送 %d 个数据包，实际 %d", tt.wantSent, got)
			}
			if tt.want != Closed {
				if len(h.cb.errs) != 0 {
					t.Fatalf("不应关闭: %v", h.cb.errs)
				}
				return
			}
			if len(h.cb.errs) != 1 || !errors.Is(h.cb.errs[0], ikev2.ErrInvalidSyntax) {
				t.Fatalf("应以 INVALID_SYNTAX 关闭，实际 %v", h.cb.errs)
			}
			if h.spis.Held() != 0 {
				t.Fatalf("SPI 未释放: %d", h.spis.Held())
			}
		})
	}
}

func TestRequestBeforeEstablishedIsNotRemembered(t *testing.T) {
	h := newHarness(t, testParams())
	h.s.state = CreateIkeLocalIkeAuth

	req := h.request(h.peer, ikev2.INFORMATIONAL, nil)
	h.deliver(req)
	if got := len(h.tr.packets()); got != 0 {
		t.Fatalf("建立前的请求应被丢弃，实际发送 %d", got)
	}
	if got := h.s.current.RemoteRequestMessageID(); got != 0 {
		t.Fatalf("丢弃的请求不应推进消息 ID，实际 %d", got)
	}

	h.s.state = Idle
	h.deliver(req)
	msg := h.lastSent(h.peer)
	if !msg.IsResponse() || msg.Header.MessageID != 0 {
		t.Fatalf("建立后对端重传的请求应正常处理")
	}
	if got := h.s.current.RemoteRequestMessageID(); got != 1 {
		t.Fatalf("期望的对端消息 ID 应为 1，实际 %d", got)
	}
}
