package utils

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseCIDRs parses an allowlist. Bare addresses are accepted as single-host prefixes.
func ParseCIDRs(raw []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", entry, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// IsAllowedIP reports whether ip falls inside one of the allowed prefixes.
// An empty allowlist allows everything.
func IsAllowedIP(ip string, allowed []netip.Prefix) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
