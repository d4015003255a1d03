package ikev2

import (
	"net/netip"
)

// CPConfig 从 CFG_REPLY 中解析出的配置
type CPConfig struct {
	IPv4Addresses []netip.Prefix
	IPv4DNS       []netip.Addr
	IPv4PCSCF     []netip.Addr

	IPv6Addresses []netip.Prefix
	IPv6DNS       []netip.Addr
	IPv6PCSCF     []netip.Addr
}

// ParseCPConfig 忽略长度不对的属性
func ParseCPConfig(cp *CPPayload) *CPConfig {
	cfg := &CPConfig{}
	if cp == nil {
		return cfg
	}

	mask4 := 32
	for _, attr := range cp.Attributes {
		if attr.Type == INTERNAL_IP4_NETMASK && len(attr.Value) == 4 {
			if m, ok := netip.AddrFromSlice(attr.Value); ok {
				mask4 = maskBits(m.As4())
			}
		}
	}

	for _, attr := range cp.Attributes {
		switch attr.Type {
		case INTERNAL_IP4_ADDRESS:
			if a, ok := addr4(attr.Value); ok {
				cfg.IPv4Addresses = append(cfg.IPv4Addresses, netip.PrefixFrom(a, mask4))
			}
		case INTERNAL_IP4_DNS:
			if a, ok := addr4(attr.Value); ok {
				cfg.IPv4DNS = append(cfg.IPv4DNS, a)
			}
		case P_CSCF_IP4_ADDRESS:
			if a, ok := addr4(attr.Value); ok {
				cfg.IPv4PCSCF = append(cfg.IPv4PCSCF, a)
			}
		case INTERNAL_IP6_ADDRESS:
			// 16 字节地址 + 1 字节前缀长度
			if len(attr.Value) == 17 {
				if a, ok := addr6(attr.Value[:16]); ok {
					cfg.IPv6Addresses = append(cfg.IPv6Addresses, netip.PrefixFrom(a, int(attr.Value[16])))
				}
			}
		case INTERNAL_IP6_DNS:
			if a, ok := addr6(attr.Value); ok {
				cfg.IPv6DNS = append(cfg.IPv6DNS, a)
			}
		case P_CSCF_IP6_ADDRESS, ASSIGNED_PCSCF_IP6_ADDRESS:
			if len(attr.Value) >= 16 {
				if a, ok := addr6(attr.Value[:16]); ok {
					cfg.IPv6PCSCF = append(cfg.IPv6PCSCF, a)
				}
			}
		}
	}

	return cfg
}

func addr4(b []byte) (netip.Addr, bool) {
	if len(b) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(b)), true
}

func addr6(b []byte) (netip.Addr, bool) {
	if len(b) != 16 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom16([16]byte(b)), true
}

func maskBits(m [4]byte) int {
	n := 0
	for _, b := range m {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) == 0 {
				return n
			}
			n++
		}
	}
	return n
}

func (c *CPConfig) HasIPv4() bool {
	return len(c.IPv4Addresses) > 0
}

func (c *CPConfig) HasIPv6() bool {
	return len(c.IPv6Addresses) > 0
}
