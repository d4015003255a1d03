package driver

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
	"go.uber.org/multierr"
)

// NetNS 网络命名空间，XFRM 与地址配置在其中执行
type NetNS struct {
	name    string
	handle  netns.NsHandle
	created bool
}

// NewNetNS 创建命名空间，创建过程会切换当前线程，完成后恢复
func NewNetNS(name string) (*NetNS, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("获取原始 netns 失败: %w", err)
	}
	defer origin.Close()

	handle, err := netns.NewNamed(name)
	if err != nil {
		return nil, fmt.Errorf("创建 netns %s 失败: %w", name, err)
	}
	if err := netns.Set(origin); err != nil {
		handle.Close()
		return nil, fmt.Errorf("恢复原始 netns 失败: %w", err)
	}
	return &NetNS{name: name, handle: handle, created: true}, nil
}

// OpenNetNS 打开已存在的命名空间
func OpenNetNS(name string) (*NetNS, error) {
	handle, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("打开 netns %s 失败: %w", name, err)
	}
	return &NetNS{name: name, handle: handle}, nil
}

// RunInNS 在命名空间内执行 fn
// 注意: 需要 CAP_SYS_ADMIN 权限
func (ns *NetNS) RunInNS(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !ns.handle.IsOpen() {
		return fmt.Errorf("netns %s 句柄不可用", ns.name)
	}
	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("获取原始 netns 失败: %w", err)
	}
	defer origin.Close()

	if err := netns.Set(ns.handle); err != nil {
		return fmt.Errorf("切换 netns 失败: %w", err)
	}
	fnErr := fn()
	if err := netns.Set(origin); err != nil {
		return multierr.Append(fnErr, fmt.Errorf("恢复原始 netns 失败: %w", err))
	}
	return fnErr
}

// Close 关闭句柄，由 NewNetNS 创建的命名空间同时被删除
func (ns *NetNS) Close() error {
	var err error
	if ns.handle.IsOpen() {
		err = ns.handle.Close()
	}
	if ns.created {
		if derr := netns.DeleteNamed(ns.name); derr != nil {
			err = multierr.Append(err, fmt.Errorf("删除 netns %s 失败: %w", ns.name, derr))
		}
		ns.created = false
	}
	return err
}

func (ns *NetNS) Name() string {
	return ns.name
}
