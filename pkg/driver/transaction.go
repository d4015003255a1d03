package driver

import (
	"net"
	"net/netip"

	"go.uber.org/multierr"

	"github.com/iniwex5/ike-go/pkg/child"
)

// NetTxn 记录已执行的网络配置，Rollback 逆序撤销
type NetTxn struct {
	net   *NetTools
	undos []func() error
}

func (n *NetTools) Begin() *NetTxn {
	return &NetTxn{net: n}
}

func (tx *NetTxn) Commit() {
	tx.undos = nil
}

func (tx *NetTxn) Rollback() error {
	var err error
	for i := len(tx.undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, tx.undos[i]())
	}
	tx.undos = nil
	return err
}

func (tx *NetTxn) SetLinkUp(iface string) error {
	if err := tx.net.SetLinkUp(iface); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.SetLinkDown(iface)
	})
	return nil
}

func (tx *NetTxn) AddAddress(iface string, p netip.Prefix) error {
	if err := tx.net.AddAddress(iface, p); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelAddress(iface, p)
	})
	return nil
}

func (tx *NetTxn) AddRoute(dst *net.IPNet, iface string) error {
	if err := tx.net.AddRoute(dst, iface); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelRoute(dst, iface)
	})
	return nil
}

// ApplyConfiguration 配置 Child 分配的内部地址，并把对端流量选择器 (默认路由除外) 路由到 iface
// 任一步失败时撤销本次已完成的步骤
func (tx *NetTxn) ApplyConfiguration(iface string, cfg *child.Configuration) (err error) {
	mark := len(tx.undos)
	defer func() {
		if err == nil {
			return
		}
		for i := len(tx.undos) - 1; i >= mark; i-- {
			err = multierr.Append(err, tx.undos[i]())
		}
		tx.undos = tx.undos[:mark]
	}()

	for _, p := range cfg.InternalAddresses {
		if err := tx.AddAddress(iface, p); err != nil {
			return err
		}
	}
	for _, ts := range cfg.RemoteTS {
		nets, err := selectorNets(ts)
		if err != nil {
			return err
		}
		for _, n := range nets {
			if ones, _ := n.Mask.Size(); ones == 0 {
				// 默认路由由调用方决定
				continue
			}
			if err := tx.AddRoute(n, iface); err != nil {
				return err
			}
		}
	}
	return nil
}
