//go:build !linux

package ipsec

import (
	"errors"
	"net"
)

func enableUDPEncap(*net.UDPConn) error {
	return errors.New("UDP_ENCAP 仅支持 Linux")
}
