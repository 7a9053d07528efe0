package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}

	tests := []struct {
		name     string
		trusted  []netip.Prefix
		remote   string
		xff      string
		realIP   string
		expected string
	}{
		{"no proxies configured", nil, "203.0.113.9:5000", "198.51.100.1", "198.51.100.2", "203.0.113.9:5000"},
		{"untrusted peer spoofing", trusted, "203.0.113.9:5000", "198.51.100.1", "198.51.100.2", "203.0.113.9:5000"},
		{"trusted peer with xff", trusted, "10.0.0.2:443", "198.51.100.1", "", "198.51.100.1"},
		{"client-supplied hop ignored", trusted, "10.0.0.2:443", "1.1.1.1, 198.51.100.1", "", "198.51.100.1"},
		{"proxy chain skipped", trusted, "10.0.0.2:443", "198.51.100.1, 10.0.0.5, 10.0.0.6", "", "198.51.100.1"},
		{"trusted peer with x-real-ip", trusted, "10.0.0.2:443", "", "198.51.100.3", "198.51.100.3"},
		{"garbage header keeps socket", trusted, "10.0.0.2:443", "not-an-ip", "", "10.0.0.2:443"},
		{"only proxies in chain", trusted, "10.0.0.2:443", "10.0.0.7", "", "10.0.0.2:443"},
		{"ipv6 proxy", trusted, "[fd00::1]:443", "2001:db8::7", "", "2001:db8::7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.expected {
				t.Errorf("RemoteAddr = %q, expected %q", got, tt.expected)
			}
		})
	}
}
