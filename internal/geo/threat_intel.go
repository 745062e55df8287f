package geo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

// Verdict is what threat intelligence knows about one address.
type Verdict struct {
	Listed  bool     `json:"listed"`
	TorExit bool     `json:"tor_exit"`
	Sources []string `json:"sources,omitempty"`
}

// HostResolver is the part of *net.Resolver used for DNSBL queries.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ThreatIntel checks addresses against static ranges, the Tor exit list and DNS blocklists.
type ThreatIntel struct {
	prefixes []netip.Prefix
	zones    []string
	dns      HostResolver
	torExits atomic.Pointer[map[netip.Addr]struct{}]
}

// NewThreatIntel parses the static malicious ranges. dns may be nil to use net.DefaultResolver.
func NewThreatIntel(cidrs, dnsblZones []string, dns HostResolver) (*ThreatIntel, error) {
	t := &ThreatIntel{zones: dnsblZones, dns: dns}
	if t.dns == nil {
		t.dns = net.DefaultResolver
	}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid malicious range %q: %w", c, err)
		}
		t.prefixes = append(t.prefixes, p.Masked())
	}
	empty := map[netip.Addr]struct{}{}
	t.torExits.Store(&empty)
	return t, nil
}

// Check returns the verdict for ip. DNSBL failures other than "not listed"
// are returned alongside whatever the local sources found.
func (t *ThreatIntel) Check(ctx context.Context, ip string) (Verdict, error) {
	var v Verdict
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return v, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	addr = addr.Unmap()

	for _, p := range t.prefixes {
		if p.Contains(addr) {
			v.Listed = true
			v.Sources = append(v.Sources, "static:"+p.String())
			break
		}
	}

	if _, ok := (*t.torExits.Load())[addr]; ok {
		v.TorExit = true
		v.Sources = append(v.Sources, "tor_exit_list")
	}

	if !addr.Is4() {
		return v, nil
	}

	var errs []error
	for _, zone := range t.zones {
		listed, err := t.queryDNSBL(ctx, addr, zone)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if listed {
			v.Listed = true
			v.Sources = append(v.Sources, "dnsbl:"+zone)
		}
	}
	return v, errors.Join(errs...)
}

func (t *ThreatIntel) queryDNSBL(ctx context.Context, addr netip.Addr, zone string) (bool, error) {
	b := addr.As4()
	host := fmt.Sprintf("%d.%d.%d.%d.%s", b[3], b[2], b[1], b[0], zone)

	addrs, err := t.dns.LookupHost(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, fmt.Errorf("dnsbl %s: %w", zone, err)
	}
	return len(addrs) > 0, nil
}

// TorExitCount is the size of the loaded exit list.
func (t *ThreatIntel) TorExitCount() int {
	return len(*t.torExits.Load())
}

// LoadTorExits replaces the exit list from r. Both a bare one-address-per-line
// list and the "ExitAddress <ip> <date>" format are accepted.
func (t *ThreatIntel) LoadTorExits(r io.Reader) (int, error) {
	exits := make(map[netip.Addr]struct{})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		candidate := fields[0]
		if fields[0] == "ExitAddress" && len(fields) > 1 {
			candidate = fields[1]
		}
		if addr, err := netip.ParseAddr(candidate); err == nil {
			exits[addr.Unmap()] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("failed to read tor exit list: %w", err)
	}

	t.torExits.Store(&exits)
	return len(exits), nil
}

// RefreshTorExits downloads the exit list from url and loads it.
func (t *ThreatIntel) RefreshTorExits(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tor exit list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch tor exit list: status %d", resp.StatusCode)
	}
	return t.LoadTorExits(io.LimitReader(resp.Body, 16<<20))
}
