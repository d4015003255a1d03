package ike

import (
	"net/netip"

	"github.com/iniwex5/ike-go/pkg/request"
)

// PacketReceiver 按本端 IKE SPI 分发的入站数据包
type PacketReceiver interface {
	ReceivePacket(pkt []byte, src netip.AddrPort)
}

// Transport IKE 数据包的 UDP 收发
// 500 端口为明文 IKE，4500 端口的 IKE 包带 4 字节零标记
type Transport interface {
	SendIKEPacket(pkt []byte, dst netip.AddrPort) error
	RegisterIKE(localSPI uint64, r PacketReceiver)
	UnregisterIKE(localSPI uint64)
	// SwitchToNATT 确保 4500 端口可用，返回其本地地址
	SwitchToNATT() (netip.AddrPort, error)
	LocalAddr() netip.AddrPort
}

// event 工作协程处理的事件
type event interface {
	isEvent()
}

type packetEvent struct {
	pkt []byte
	src netip.AddrPort
}

type localRequestEvent struct {
	req   request.Request
	front bool
}

// alarmEvent 定时器到期，fn 在工作协程执行
type alarmEvent struct {
	fn func()
}

type killEvent struct{}

func (packetEvent) isEvent()       {}
func (localRequestEvent) isEvent() {}
func (alarmEvent) isEvent()        {}
func (killEvent) isEvent()         {}
