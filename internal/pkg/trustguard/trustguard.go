// Package trustguard decides which network-supplied address information may be
// believed for inbound provider webhooks.
//
// The immediate peer address is authoritative. X-Forwarded-For is consulted
// only when that peer is one of our own trusted proxies; from anyone else the
// header is ignored no matter what it claims.
package trustguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var ErrNoProviderRanges = errors.New("trustguard: at least one provider range is required")

// Guard holds the provider allow-list and the trusted edge proxies.
type Guard struct {
	providers []netip.Prefix
	proxies   []netip.Prefix
}

// New parses CIDRs or bare addresses. Bare addresses become single-host prefixes.
func New(providerRanges, trustedProxies []string) (*Guard, error) {
	if len(providerRanges) == 0 {
		return nil, ErrNoProviderRanges
	}
	providers, err := parsePrefixes(providerRanges)
	if err != nil {
		return nil, fmt.Errorf("provider ranges: %w", err)
	}
	proxies, err := parsePrefixes(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return &Guard{providers: providers, proxies: proxies}, nil
}

// EffectiveIP resolves the address to allow-list. peer is the connection's
// remote address (host or host:port); xff is the raw X-Forwarded-For value.
func (g *Guard) EffectiveIP(peer, xff string) (netip.Addr, bool) {
	peerAddr, ok := parseAddr(peer)
	if !ok {
		return netip.Addr{}, false
	}
	if !g.isTrustedProxy(peerAddr) {
		return peerAddr, true
	}

	first, _, _ := strings.Cut(xff, ",")
	if strings.TrimSpace(first) == "" {
		// Trusted edge without a forwarded header: the edge itself is the client.
		return peerAddr, true
	}
	forwarded, ok := parseAddr(first)
	if !ok {
		return netip.Addr{}, false
	}
	return forwarded, true
}

// Allow returns the effective address and whether it belongs to the provider.
func (g *Guard) Allow(peer, xff string) (netip.Addr, bool) {
	addr, ok := g.EffectiveIP(peer, xff)
	if !ok {
		return addr, false
	}
	return addr, g.isProvider(addr)
}

func (g *Guard) isTrustedProxy(addr netip.Addr) bool {
	return containsAddr(g.proxies, addr)
}

func (g *Guard) isProvider(addr netip.Addr) bool {
	return containsAddr(g.providers, addr)
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// parseAddr accepts "ip", "ip:port", "[v6]:port" and normalizes IPv4-mapped
// IPv6 to plain IPv4 so allow-list checks see one form.
func parseAddr(raw string) (netip.Addr, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	v = strings.Trim(v, "[]")
	// zone-scoped addresses never come from the provider
	if strings.Contains(v, "%") {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
