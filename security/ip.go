package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ClientIPExtractor determines the address a request came from.
//
// Forwarding headers are only honoured with TrustProxy set. X-Forwarded-For
// is read from the right: the last TrustedProxyCount entries belong to our
// own proxies and the entry before them is the client. A count of zero is
// treated as one proxy.
type ClientIPExtractor struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the client address for r, without port.
func (e ClientIPExtractor) ClientIP(r *http.Request) string {
	if e.TrustProxy {
		if ip := e.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (e ClientIPExtractor) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	proxies := e.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := max(len(hops)-proxies-1, 0)

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

type clientIPContextKey struct{}

// WithClientIP stores the caller's address so code below the HTTP layer can
// attribute audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// GetClientIP returns the address stored by WithClientIP, or "".
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
