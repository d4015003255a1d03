//go:build linux

package ipsec

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// enableUDPEncap 使内核 XFRM 通过此 socket 收发 ESP-in-UDP
func enableUDPEncap(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("获取 SyscallConn 失败: %w", err)
	}
	var setErr error
	err = rawConn.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	})
	if err != nil {
		return fmt.Errorf("Control 调用失败: %w", err)
	}
	if setErr != nil {
		return fmt.Errorf("设置 UDP_ENCAP_ESPINUDP 失败: %w", setErr)
	}
	return nil
}
