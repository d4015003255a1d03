package main

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/iniwex5/ike-go/pkg/child"
	"github.com/iniwex5/ike-go/pkg/driver"
	"github.com/iniwex5/ike-go/pkg/ike"
	"github.com/iniwex5/ike-go/pkg/logger"
	"github.com/iniwex5/ike-go/pkg/sa"
)

var errClosedByPeer = errors.New("会话已关闭")

// client 同时实现 IKE 与第一个 Child 的回调，回调都在 Sink 协程中执行
type client struct {
	log   *zap.Logger
	iface string
	xfrm  *driver.XFRMInstaller
	txn   *driver.NetTxn

	opened chan *ike.Configuration

	mu  sync.Mutex
	err error
}

var (
	_ ike.Callback   = (*client)(nil)
	_ child.Callback = childCallback{}
)

func newClient(log *zap.Logger, iface string) *client {
	return &client{
		log:    log.Named("client"),
		iface:  iface,
		opened: make(chan *ike.Configuration, 1),
	}
}

func (c *client) OnOpened(cfg *ike.Configuration) {
	c.log.Info("IKE SA 已建立",
		logger.String("local", cfg.Local.String()),
		logger.String("remote", cfg.Remote.String()),
		logger.Bool("nat", cfg.NATDetected),
		logger.String("remote_id", cfg.RemoteID))
	select {
	case c.opened <- cfg:
	default:
	}
}

func (c *client) OnClosed() {
	c.log.Info("IKE SA 已关闭")
	c.setErr(errClosedByPeer)
}

func (c *client) OnClosedExceptionally(err error) {
	c.log.Warn("IKE SA 异常关闭", logger.Err(err))
	c.setErr(err)
}

func (c *client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// closeErr 会话结束原因，回调可能晚于 Done 执行
func (c *client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return errClosedByPeer
	}
	return c.err
}

// childCallback 由 client 的 Child 回调方法组成
type childCallback struct{ *client }

func (c *client) childCB() child.Callback { return childCallback{c} }

func (c childCallback) OnOpened(cfg *child.Configuration) {
	c.log.Info("Child SA 已建立",
		logger.Any("addresses", cfg.InternalAddresses),
		logger.Any("dns", cfg.DNSServers),
		logger.Any("pcscf", cfg.PCSCFServers),
		logger.Bool("transport", cfg.Transport))
	if c.txn == nil {
		return
	}
	if err := c.txn.ApplyConfiguration(c.iface, cfg); err != nil {
		c.log.Error("配置网卡失败", logger.String("iface", c.iface), logger.Err(err))
	}
}

func (c childCallback) OnClosed() {
	c.log.Info("Child SA 已关闭")
	c.rollback()
}

func (c childCallback) OnClosedExceptionally(err error) {
	c.log.Warn("Child SA 异常关闭", logger.Err(err))
	c.rollback()
}

func (c childCallback) rollback() {
	if c.txn == nil {
		return
	}
	if err := c.txn.Rollback(); err != nil {
		c.log.Warn("撤销网卡配置失败", logger.Err(err))
	}
}

func (c childCallback) OnIPSecTransformCreated(t *sa.IPsecTransform, dir sa.Direction) {
	c.log.Debug("IPsec SA 创建", logger.ChildSPI("spi", t.SPI), logger.Stringer("dir", dir))
	if c.xfrm == nil {
		return
	}
	if err := c.xfrm.Install(t); err != nil {
		c.log.Error("安装 XFRM SA 失败", logger.ChildSPI("spi", t.SPI), logger.Err(err))
	}
}

func (c childCallback) OnIPSecTransformDeleted(t *sa.IPsecTransform, dir sa.Direction) {
	c.log.Debug("IPsec SA 删除", logger.ChildSPI("spi", t.SPI), logger.Stringer("dir", dir))
	if c.xfrm == nil {
		return
	}
	if err := c.xfrm.Remove(t); err != nil {
		c.log.Warn("删除 XFRM SA 失败", logger.ChildSPI("spi", t.SPI), logger.Err(err))
	}
}
