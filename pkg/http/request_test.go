package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP(t *testing.T) {
	internal := []string{"10.0.0.0/8", "::1/128"}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		proxies    []string
		noConfig   bool
		want       string
	}{
		{"direct client ignores forwarding headers", "203.0.113.10:54321", "1.2.3.4, 5.6.7.8", "192.168.1.1", internal, false, "203.0.113.10"},
		{"trusted proxy uses leftmost forwarded address", "10.0.0.5:54321", "203.0.113.42, 203.0.113.43, 10.0.0.5", "", internal, false, "203.0.113.42"},
		{"trusted proxy skips garbage entries", "10.0.0.5:54321", "unknown, 203.0.113.44", "", internal, false, "203.0.113.44"},
		{"trusted proxy falls back to X-Real-IP", "10.0.0.5:54321", "", "203.0.113.45", internal, false, "203.0.113.45"},
		{"trusted IPv6 proxy", "[::1]:54321", "2001:db8::1", "", internal, false, "2001:db8::1"},
		{"nil config trusts nobody", "10.0.0.5:54321", "203.0.113.42", "", nil, true, "10.0.0.5"},
		{"empty proxy list trusts nobody", "10.0.0.5:54321", "203.0.113.42", "", []string{}, false, "10.0.0.5"},
		{"invalid CIDR is skipped", "10.0.0.5:54321", "203.0.113.42", "", []string{"not-a-cidr", "999.0.0.0/8"}, false, "10.0.0.5"},
		{"spoofed localhost from untrusted peer", "203.0.113.10:54321", "127.0.0.1", "", internal, false, "203.0.113.10"},
		{"peer without port", "203.0.113.11", "", "", nil, true, "203.0.113.11"},
		{"empty peer", "", "", "", nil, true, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			var cfg *pkghttp.IPConfig
			if !tt.noConfig {
				cfg = &pkghttp.IPConfig{TrustedProxies: tt.proxies}
			}
			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, cfg))
		})
	}
}

// One client must map to one rate-limit and reputation key however it connects.
func TestExtractClientIP_MappedAddressesShareKey(t *testing.T) {
	cfg := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	direct := httptest.NewRequest("POST", "/", nil)
	direct.RemoteAddr = "198.51.100.7:443"

	dualStack := httptest.NewRequest("POST", "/", nil)
	dualStack.RemoteAddr = "[::ffff:198.51.100.7]:443"

	forwarded := httptest.NewRequest("POST", "/", nil)
	forwarded.RemoteAddr = "[::ffff:10.0.0.5]:443"
	forwarded.Header.Set("X-Forwarded-For", "::ffff:198.51.100.7")

	assert.Equal(t, "198.51.100.7", pkghttp.ExtractClientIP(direct, cfg))
	assert.Equal(t, "198.51.100.7", pkghttp.ExtractClientIP(dualStack, cfg))
	assert.Equal(t, "198.51.100.7", pkghttp.ExtractClientIP(forwarded, cfg), "a mapped proxy address is still trusted")
}

func TestCanonicalIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"198.51.100.7", "198.51.100.7", true},
		{" ::ffff:198.51.100.7 ", "198.51.100.7", true},
		{"2001:DB8:0:0::1", "2001:db8::1", true},
		{"fe80::1%eth0", "fe80::1", true},
		{"198.51.100.300", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := pkghttp.CanonicalIP(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
