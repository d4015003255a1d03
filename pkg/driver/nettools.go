package driver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/iniwex5/netlink"
	"golang.org/x/sys/unix"
)

// netOps 链路、地址与路由操作，测试中替换
type netOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

type kernelNetOps struct{}

func (kernelNetOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (kernelNetOps) LinkSetUp(l netlink.Link) error                { return netlink.LinkSetUp(l) }
func (kernelNetOps) LinkSetDown(l netlink.Link) error              { return netlink.LinkSetDown(l) }
func (kernelNetOps) AddrAdd(l netlink.Link, a *netlink.Addr) error { return netlink.AddrAdd(l, a) }
func (kernelNetOps) AddrDel(l netlink.Link, a *netlink.Addr) error { return netlink.AddrDel(l, a) }
func (kernelNetOps) RouteAdd(r *netlink.Route) error               { return netlink.RouteAdd(r) }
func (kernelNetOps) RouteDel(r *netlink.Route) error               { return netlink.RouteDel(r) }

// NetTools 配置 CP 分配的地址与路由
type NetTools struct {
	ns  *NetNS
	ops netOps
}

// NewNetTools ns 非 nil 时在该命名空间内操作
func NewNetTools(ns *NetNS) *NetTools {
	return &NetTools{ns: ns, ops: kernelNetOps{}}
}

// NetToolError 封装网络操作错误
type NetToolError struct {
	Op   string
	Args string
	Err  error
}

func (e *NetToolError) Error() string {
	if e.Args == "" {
		return fmt.Sprintf("%s 失败: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s 失败: %v", e.Op, e.Args, e.Err)
}

func (e *NetToolError) Unwrap() error { return e.Err }

func wrapErr(op, args string, err error) error {
	if err == nil {
		return nil
	}
	return &NetToolError{Op: op, Args: args, Err: err}
}

func (n *NetTools) run(fn func() error) error {
	if n.ns == nil {
		return fn()
	}
	return n.ns.RunInNS(fn)
}

func (n *NetTools) withLink(op, iface, args string, fn func(netlink.Link) error) error {
	return n.run(func() error {
		link, err := n.ops.LinkByName(iface)
		if err != nil {
			return wrapErr(op, args, fmt.Errorf("获取接口 %s 失败: %w", iface, err))
		}
		return wrapErr(op, args, fn(link))
	})
}

func (n *NetTools) SetLinkUp(iface string) error {
	return n.withLink("link set up", iface, iface, n.ops.LinkSetUp)
}

func (n *NetTools) SetLinkDown(iface string) error {
	return n.withLink("link set down", iface, iface, n.ops.LinkSetDown)
}

// AddAddress IPv6 地址禁用 DAD
func (n *NetTools) AddAddress(iface string, p netip.Prefix) error {
	args := fmt.Sprintf("%s dev %s", p, iface)
	return n.withLink("addr add", iface, args, func(link netlink.Link) error {
		err := n.ops.AddrAdd(link, toAddr(p))
		if errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return err
	})
}

func (n *NetTools) DelAddress(iface string, p netip.Prefix) error {
	args := fmt.Sprintf("%s dev %s", p, iface)
	return n.withLink("addr del", iface, args, func(link netlink.Link) error {
		err := n.ops.AddrDel(link, toAddr(p))
		if errors.Is(err, syscall.EADDRNOTAVAIL) {
			return nil
		}
		return err
	})
}

// AddRoute 路由已存在时视为成功
func (n *NetTools) AddRoute(dst *net.IPNet, iface string) error {
	return n.withLink("route add", iface, dst.String(), func(link netlink.Link) error {
		err := n.ops.RouteAdd(&netlink.Route{Dst: dst, LinkIndex: link.Attrs().Index})
		if errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return err
	})
}

// DelRoute 路由不存在时视为成功
func (n *NetTools) DelRoute(dst *net.IPNet, iface string) error {
	return n.withLink("route del", iface, dst.String(), func(link netlink.Link) error {
		err := n.ops.RouteDel(&netlink.Route{Dst: dst, LinkIndex: link.Attrs().Index})
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	})
}

func toAddr(p netip.Prefix) *netlink.Addr {
	a := &netlink.Addr{IPNet: &net.IPNet{
		IP:   addrIP(p.Addr()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().Unmap().BitLen()),
	}}
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		a.Flags |= unix.IFA_F_NODAD
	}
	return a
}
