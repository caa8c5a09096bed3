// Package security holds the protective pieces shared by the HTTP layer and
// the grant handlers of the authorization server.
//
// Auditor writes structured security events through slog and can fan them
// out to additional sinks such as AMQPSink. User identifiers are hashed
// before they leave the process.
//
// RateLimiter is a keyed token bucket built on golang.org/x/time/rate. Keys
// are evicted least-recently-used once MaxEntries is reached, and idle keys
// are swept periodically:
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//	    // 429
//	}
//
// Encryptor seals persisted records with AES-256-GCM. ClientIPExtractor,
// RequestIDMiddleware and SetSecurityHeaders cover request plumbing.
package security
