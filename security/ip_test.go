package security

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestClientIPExtractor(t *testing.T) {
	tests := []struct {
		name          string
		extractor     ClientIPExtractor
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "forwarded header ignored without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:          "forwarded header with one trusted proxy",
			extractor:     ClientIPExtractor{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "spoofed leftmost entry skipped",
			extractor:     ClientIPExtractor{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "6.6.6.6, 203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "two trusted proxies",
			extractor:     ClientIPExtractor{TrustProxy: true, TrustedProxyCount: 2},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.3, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "fewer hops than proxies",
			extractor:     ClientIPExtractor{TrustProxy: true, TrustedProxyCount: 3},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "203.0.113.1",
		},
		{
			name:          "invalid forwarded IP falls back to X-Real-IP",
			extractor:     ClientIPExtractor{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip, 10.0.0.2",
			xRealIP:       "198.51.100.7",
			want:          "198.51.100.7",
		},
		{
			name:       "invalid X-Real-IP falls back to remote addr",
			extractor:  ClientIPExtractor{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "garbage",
			want:       "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "10.0.0.1",
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := tt.extractor.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := context.Background()
	if got := GetClientIP(ctx); got != "" {
		t.Errorf("GetClientIP() on empty context = %q", got)
	}
	ctx = WithClientIP(ctx, "203.0.113.7")
	if got := GetClientIP(ctx); got != "203.0.113.7" {
		t.Errorf("GetClientIP() = %q, want 203.0.113.7", got)
	}
}
