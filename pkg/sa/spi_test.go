package sa

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

func TestAllocateDistinct(t *testing.T) {
	g := NewGenerator(nil)
	addr := netip.MustParseAddr("10.0.0.1")
	seen := make(map[uint64]bool)
	for i := 0; i < 200; i++ {
		s, err := g.AllocateChild(addr)
		if err != nil {
			t.Fatalf("分配失败: %v", err)
		}
		if seen[s.Value()] {
			t.Fatalf("分配到重复 SPI: %x", s.Value())
		}
		if s.Value() < minChildSPI {
			t.Fatalf("分配到保留范围内的 SPI: %d", s.Value())
		}
		seen[s.Value()] = true
	}
	if g.Held() != 200 {
		t.Fatalf("持有数量错误: %d", g.Held())
	}
}

// 随机源反复给出同一个值时跳过已持有的值
func TestAllocateSkipsHeldValue(t *testing.T) {
	src := append(bytes.Repeat([]byte{0, 0, 0x12, 0x34}, 2), 0, 0, 0x56, 0x78)
	g := NewGenerator(bytes.NewReader(src))
	addr := netip.MustParseAddr("10.0.0.1")

	a, err := g.AllocateChild(addr)
	if err != nil || a.Uint32() != 0x1234 {
		t.Fatalf("第一次分配: %v %x", err, a.Uint32())
	}
	b, err := g.AllocateChild(addr)
	if err != nil || b.Uint32() != 0x5678 {
		t.Fatalf("第二次分配应跳过重复值: %v", err)
	}
}

func TestExplicitDuplicateAndRelease(t *testing.T) {
	g := NewGenerator(nil)
	addr := netip.MustParseAddr("2001:db8::1")

	s, err := g.AllocateIKEWith(addr, 0xdeadbeef)
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	_, err = g.AllocateIKEWith(addr, 0xdeadbeef)
	var dup *DuplicateSpiError
	if !errors.As(err, &dup) || dup.Value != 0xdeadbeef {
		t.Fatalf("期望 DuplicateSpiError, got %v", err)
	}

	// 不同地址或不同协议互不影响
	if _, err := g.AllocateIKEWith(netip.MustParseAddr("2001:db8::2"), 0xdeadbeef); err != nil {
		t.Fatalf("不同地址不应冲突: %v", err)
	}
	if _, err := g.AllocateChildWith(addr, 0xdeadbeef); err != nil {
		t.Fatalf("不同协议不应冲突: %v", err)
	}

	s.Release()
	again, err := g.AllocateIKEWith(addr, 0xdeadbeef)
	if err != nil {
		t.Fatalf("释放后应能重新分配: %v", err)
	}
	again.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	g := NewGenerator(nil)
	s, err := g.AllocateChild(netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	s.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("重复释放应当 panic")
		}
	}()
	s.Release()
}

func TestMappedAddressSharesSpace(t *testing.T) {
	g := NewGenerator(nil)
	if _, err := g.AllocateChildWith(netip.MustParseAddr("10.0.0.1"), 1000); err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	_, err := g.AllocateChildWith(netip.MustParseAddr("::ffff:10.0.0.1"), 1000)
	var dup *DuplicateSpiError
	if !errors.As(err, &dup) {
		t.Fatalf("IPv4 映射地址应视为同一地址, got %v", err)
	}
}
