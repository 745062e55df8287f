package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
)

// IPConfig says which peers may report the client address in forwarding
// headers. Without trusted proxies only the socket peer counts.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges; invalid entries are skipped

	once     sync.Once
	prefixes []netip.Prefix
}

func (c *IPConfig) trusts(peer netip.Addr) bool {
	if c == nil || !peer.IsValid() {
		return false
	}
	c.once.Do(func() {
		for _, cidr := range c.TrustedProxies {
			if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
				c.prefixes = append(c.prefixes, p.Masked())
			}
		}
	})
	for _, p := range c.prefixes {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// CanonicalIP parses s and returns the form every store keys addresses by:
// IPv4-mapped IPv6 is unmapped to IPv4, zones are dropped and IPv6 is compressed.
func CanonicalIP(s string) (string, bool) {
	addr, ok := parseAddr(s)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// ExtractClientIP returns the canonical address of the client behind r.
// X-Forwarded-For (leftmost valid entry) and X-Real-IP are honoured only
// when the socket peer is a trusted proxy, so clients cannot pick the
// address their attempts are counted against.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	host := peerHost(r)
	peer, ok := parseAddr(host)

	if ok && config.trusts(peer) {
		for _, candidate := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if addr, ok := parseAddr(candidate); ok {
				return addr.String()
			}
		}
		if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return addr.String()
		}
	}

	if ok {
		return peer.String()
	}
	return host
}

// peerHost is RemoteAddr without its port.
func peerHost(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
