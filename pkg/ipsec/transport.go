package ipsec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/ike"
	"github.com/iniwex5/ike-go/pkg/ikev2"
	"github.com/iniwex5/ike-go/pkg/logger"
)

// DefaultNATTPort RFC 3948 UDP 封装端口
const DefaultNATTPort = 4500

var ErrClosed = errors.New("transport 已关闭")

var _ ike.Transport = (*UDPTransport)(nil)

// UDPTransport IKE 的 UDP 收发，入站包按本端 SPI 分发给会话
// ESP 由内核 XFRM 处理，用户态只统计并丢弃
type UDPTransport struct {
	// NATTPort SwitchToNATT 监听的本地端口，0 表示随机端口
	NATTPort int
	// Encap 在 4500 socket 上启用 UDP_ENCAP_ESPINUDP
	Encap bool

	log  *zap.Logger
	conn *net.UDPConn

	mu        sync.RWMutex
	receivers map[uint64]ike.PacketReceiver
	natt      *net.UDPConn
	closed    bool

	closeOnce sync.Once
	wg        sync.WaitGroup

	receivedIKE uint64
	droppedIKE  uint64
	droppedESP  uint64
}

// ListenUDP 在 local 上监听明文 IKE
func ListenUDP(local string, log *zap.Logger) (*UDPTransport, error) {
	lAddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", lAddr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{
		NATTPort:  DefaultNATTPort,
		log:       logger.OrNop(log).Named("transport"),
		conn:      conn,
		receivers: make(map[uint64]ike.PacketReceiver),
	}, nil
}

// Start 启动读协程
func (t *UDPTransport) Start() {
	t.wg.Add(1)
	go t.readLoop(t.conn, false)
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		natt := t.natt
		t.mu.Unlock()

		err = multierr.Append(err, t.conn.Close())
		if natt != nil {
			err = multierr.Append(err, natt.Close())
		}
		t.wg.Wait()
	})
	return err
}

func (t *UDPTransport) RegisterIKE(localSPI uint64, r ike.PacketReceiver) {
	t.mu.Lock()
	t.receivers[localSPI] = r
	t.mu.Unlock()
}

func (t *UDPTransport) UnregisterIKE(localSPI uint64) {
	t.mu.Lock()
	delete(t.receivers, localSPI)
	t.mu.Unlock()
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return addrPortOf(t.conn)
}

// SwitchToNATT 首次调用时监听 NAT-T 端口
func (t *UDPTransport) SwitchToNATT() (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return netip.AddrPort{}, ErrClosed
	}
	if t.natt != nil {
		return addrPortOf(t.natt), nil
	}

	local := addrPortOf(t.conn)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.Addr().AsSlice(), Port: t.NATTPort})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("监听 NAT-T 端口失败: %w", err)
	}
	if t.Encap {
		if err := enableUDPEncap(conn); err != nil {
			conn.Close()
			return netip.AddrPort{}, err
		}
		t.log.Info("已在 socket 上设置 UDP_ENCAP_ESPINUDP", logger.Stringer("local", conn.LocalAddr()))
	}
	t.natt = conn
	t.wg.Add(1)
	go t.readLoop(conn, true)
	return addrPortOf(conn), nil
}

// SendIKEPacket 发往 4500 端口的包经 NAT-T socket 并带零标记
func (t *UDPTransport) SendIKEPacket(pkt []byte, dst netip.AddrPort) error {
	conn, marker := t.connFor(dst)
	if conn == nil {
		return ErrClosed
	}
	_, err := conn.WriteToUDPAddrPort(frame(pkt, marker), dst)
	return err
}

// SendNATKeepalive RFC 3948 单字节 0xff 保活
func (t *UDPTransport) SendNATKeepalive(dst netip.AddrPort) error {
	t.mu.RLock()
	conn := t.natt
	t.mu.RUnlock()
	if conn == nil {
		return errors.New("尚未切换到 NAT-T")
	}
	_, err := conn.WriteToUDPAddrPort([]byte{0xff}, dst)
	return err
}

// KeepAlive 周期发送保活直到 ctx 结束
func (t *UDPTransport) KeepAlive(ctx context.Context, dst netip.AddrPort, interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if err := t.SendNATKeepalive(dst); err != nil {
				t.log.Debug("NAT 保活发送失败", logger.Err(err))
			}
		}
	}
}

func (t *UDPTransport) connFor(dst netip.AddrPort) (*net.UDPConn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, false
	}
	if t.natt != nil && dst.Port() == DefaultNATTPort {
		return t.natt, true
	}
	return t.conn, false
}

func (t *UDPTransport) readLoop(conn *net.UDPConn, natt bool) {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("读取 UDP 失败", logger.Err(err))
			}
			return
		}
		data := buf[:n]
		if n == 1 && data[0] == 0xff {
			continue
		}
		if natt {
			ikeData, ok := parseIKEPayload(data)
			if !ok {
				// ESP-in-UDP 未被内核接管
				atomic.AddUint64(&t.droppedESP, 1)
				continue
			}
			data = ikeData
		} else if !looksLikeIKE(data) {
			atomic.AddUint64(&t.droppedIKE, 1)
			continue
		}
		t.dispatch(append([]byte(nil), data...), src)
	}
}

func (t *UDPTransport) dispatch(pkt []byte, src netip.AddrPort) {
	hdr, err := ikev2.DecodeHeader(pkt)
	if err != nil {
		atomic.AddUint64(&t.droppedIKE, 1)
		return
	}
	t.mu.RLock()
	r := t.receivers[hdr.LocalSPI()]
	t.mu.RUnlock()
	if r == nil {
		drops := atomic.AddUint64(&t.droppedIKE, 1)
		if drops == 1 || drops%100 == 0 {
			t.log.Debug("未知 SPI，丢弃 IKE 包",
				logger.SPI("spi", hdr.LocalSPI()), logger.Uint64("dropped", drops))
		}
		return
	}
	atomic.AddUint64(&t.receivedIKE, 1)
	r.ReceivePacket(pkt, netip.AddrPortFrom(src.Addr().Unmap(), src.Port()))
}

func frame(pkt []byte, marker bool) []byte {
	if !marker {
		return pkt
	}
	return append([]byte{0, 0, 0, 0}, pkt...)
}

// parseIKEPayload 4500 端口上零标记后是 IKE，否则是 ESP
func parseIKEPayload(data []byte) ([]byte, bool) {
	if len(data) < 4+ikev2.IKE_HEADER_LEN || binary.BigEndian.Uint32(data[:4]) != 0 {
		return nil, false
	}
	ikeData := data[4:]
	if !looksLikeIKE(ikeData) {
		return nil, false
	}
	return ikeData, true
}

func looksLikeIKE(data []byte) bool {
	if len(data) < ikev2.IKE_HEADER_LEN {
		return false
	}
	if data[17] != 0x20 {
		return false
	}
	switch ikev2.ExchangeType(data[18]) {
	case ikev2.IKE_SA_INIT, ikev2.IKE_AUTH, ikev2.CREATE_CHILD_SA, ikev2.INFORMATIONAL:
		return true
	default:
		return false
	}
}

func addrPortOf(c *net.UDPConn) netip.AddrPort {
	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type SocketStats struct {
	ReceivedIKE uint64
	DroppedIKE  uint64
	DroppedESP  uint64
}

func (t *UDPTransport) Stats() SocketStats {
	return SocketStats{
		ReceivedIKE: atomic.LoadUint64(&t.receivedIKE),
		DroppedIKE:  atomic.LoadUint64(&t.droppedIKE),
		DroppedESP:  atomic.LoadUint64(&t.droppedESP),
	}
}
