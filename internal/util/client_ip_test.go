package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "fd00::/8", " 192.168.1.10 "})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted *TrustedProxies
		want    string
	}{
		{name: "untrusted peer ignores headers", remote: "198.51.100.10:1234", xff: "203.0.113.5", realIP: "203.0.113.6", want: "198.51.100.10"},
		{name: "trusted peer uses forwarded", remote: "10.0.0.20:1234", xff: "203.0.113.5", trusted: trusted, want: "203.0.113.5"},
		{name: "skips trusted hops", remote: "10.0.0.20:1234", xff: "203.0.113.5, 10.0.0.10", trusted: trusted, want: "203.0.113.5"},
		{name: "real ip fallback", remote: "192.168.1.10:80", xff: "garbage", realIP: "203.0.113.7", trusted: trusted, want: "203.0.113.7"},
		{name: "all hops trusted", remote: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10", trusted: trusted, want: "10.0.0.5"},
		{name: "ipv6 proxy", remote: "[fd00::1]:443", xff: "2001:db8::7", trusted: trusted, want: "2001:db8::7"},
		{name: "mapped ipv4 peer", remote: "[::ffff:10.1.2.3]:80", xff: "203.0.113.9", trusted: trusted, want: "203.0.113.9"},
		{name: "unparseable peer", remote: "pipe", want: "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	got, err := NewTrustedProxies([]string{"", "  "})
	if err != nil || got != nil {
		t.Fatalf("empty entries = %v, %v; want nil, nil", got, err)
	}
	for _, bad := range []string{"bad-cidr", "10.0.0.0/99"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("NewTrustedProxies(%q) expected error", bad)
		}
	}
}
