package sa

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
)

// Protocol SPI 所属协议
type Protocol uint8

const (
	ProtocolIKE Protocol = 1
	ProtocolESP Protocol = 3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolIKE:
		return "IKE"
	case ProtocolESP:
		return "ESP"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// RFC 4303: 1-255 保留
const minChildSPI = 256

const maxAllocateAttempts = 64

// DuplicateSpiError 显式请求的 SPI 已被持有
type DuplicateSpiError struct {
	Addr     netip.Addr
	Protocol Protocol
	Value    uint64
}

func (e *DuplicateSpiError) Error() string {
	return fmt.Sprintf("%s SPI %x 在 %s 上已被占用", e.Protocol, e.Value, e.Addr)
}

var ErrSpiExhausted = errors.New("无法分配空闲 SPI")

type spiKey struct {
	addr  netip.Addr
	proto Protocol
	value uint64
}

// Generator 本地 SPI 分配器，可被多个会话共享
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
	held map[spiKey]struct{}
}

// NewGenerator r 为 nil 时使用 crypto/rand
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r, held: make(map[spiKey]struct{})}
}

// Spi 独占持有的 SPI，必须且只能 Release 一次
type Spi struct {
	g        *Generator
	key      spiKey
	released bool
}

func (s *Spi) Value() uint64      { return s.key.value }
func (s *Spi) Uint32() uint32     { return uint32(s.key.value) }
func (s *Spi) Addr() netip.Addr   { return s.key.addr }
func (s *Spi) Protocol() Protocol { return s.key.proto }
func (s *Spi) Released() bool     { return s.released }
func (s *Spi) String() string     { return fmt.Sprintf("%s:%x", s.key.proto, s.key.value) }

// Release 释放 SPI，重复释放属于编程错误
func (s *Spi) Release() {
	if s.released {
		panic(fmt.Sprintf("SPI %s 被重复释放", s))
	}
	s.released = true
	s.g.release(s.key)
}

func (g *Generator) AllocateIKE(addr netip.Addr) (*Spi, error) {
	return g.allocateRandom(addr, ProtocolIKE, 8)
}

// AllocateIKEWith 使用指定值，0 不合法
func (g *Generator) AllocateIKEWith(addr netip.Addr, v uint64) (*Spi, error) {
	if v == 0 {
		return nil, errors.New("IKE SPI 不能为 0")
	}
	return g.allocate(spiKey{addr: addr.Unmap(), proto: ProtocolIKE, value: v})
}

func (g *Generator) AllocateChild(addr netip.Addr) (*Spi, error) {
	return g.allocateRandom(addr, ProtocolESP, 4)
}

func (g *Generator) AllocateChildWith(addr netip.Addr, v uint32) (*Spi, error) {
	if v < minChildSPI {
		return nil, fmt.Errorf("ESP SPI %d 位于保留范围", v)
	}
	return g.allocate(spiKey{addr: addr.Unmap(), proto: ProtocolESP, value: uint64(v)})
}

func (g *Generator) allocateRandom(addr netip.Addr, proto Protocol, size int) (*Spi, error) {
	buf := make([]byte, 8)
	for i := 0; i < maxAllocateAttempts; i++ {
		g.mu.Lock()
		_, err := io.ReadFull(g.rand, buf[8-size:])
		g.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("读取随机数失败: %w", err)
		}
		v := binary.BigEndian.Uint64(buf)
		if v == 0 || (proto == ProtocolESP && v < minChildSPI) {
			continue
		}
		s, err := g.allocate(spiKey{addr: addr.Unmap(), proto: proto, value: v})
		var dup *DuplicateSpiError
		if errors.As(err, &dup) {
			continue
		}
		return s, err
	}
	return nil, ErrSpiExhausted
}

func (g *Generator) allocate(k spiKey) (*Spi, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[k]; ok {
		return nil, &DuplicateSpiError{Addr: k.addr, Protocol: k.proto, Value: k.value}
	}
	g.held[k] = struct{}{}
	return &Spi{g: g, key: k}, nil
}

func (g *Generator) release(k spiKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[k]; !ok {
		panic(fmt.Sprintf("释放未持有的 SPI %s:%x", k.proto, k.value))
	}
	delete(g.held, k)
}

// Held 当前持有的 SPI 数量
func (g *Generator) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
