package security

import (
	"fmt"
	"net/netip"
)

// OriginGuard admits requests only from a static allow-list of source IPs and
// CIDR ranges. An empty allow-list admits everyone, so deployments without a
// perimeter requirement need no configuration.
type OriginGuard struct {
	prefixes []netip.Prefix
}

// NewOriginGuard parses the allow-list. Each entry is either a single IP
// ("10.0.0.5") or a CIDR range ("10.0.0.0/8").
func NewOriginGuard(allowlist []string) (*OriginGuard, error) {
	g := &OriginGuard{}
	for _, entry := range allowlist {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			g.prefixes = append(g.prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin allowlist entry %q: %w", entry, err)
		}
		g.prefixes = append(g.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return g, nil
}

// Allowed reports whether ip may reach the broker. Unparseable addresses are
// rejected whenever an allow-list is configured.
func (g *OriginGuard) Allowed(ip string) bool {
	if len(g.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Enforcing reports whether an allow-list is configured at all.
func (g *OriginGuard) Enforcing() bool {
	return len(g.prefixes) > 0
}
