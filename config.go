package oauth

import (
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// Endpoint paths served by Handler.RegisterRoutes, relative to the issuer.
const (
	EndpointAuthorize                   = "/authorize"
	EndpointToken                       = "/token"
	EndpointRevoke                      = "/revoke"
	EndpointRegister                    = "/register"
	EndpointConsent                     = "/consent"
	EndpointConsentRevoke               = "/consent/revoke"
	EndpointAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	EndpointProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
)

// Config holds the HTTP-facing configuration. Protocol settings live in
// Server and are passed through to server.New.
type Config struct {
	// Server is the protocol configuration (issuer, TTLs, PKCE policy, ...).
	Server *server.Config

	// Resource is the identifier of the resource protected by
	// Handler.ValidateToken, advertised in RFC 9728 metadata.
	// Empty disables the protected resource metadata endpoint.
	Resource string

	// RedirectToConsent sends the browser straight to the consent page when
	// consent is missing instead of returning error=consent_required to the
	// client's redirect_uri.
	RedirectToConsent bool

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// CleanupInterval is how often to cleanup expired codes and tokens.
	// Zero disables the background sweep.
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// UserRate is requests per second allowed per authenticated user on
	// routes behind ValidateToken. Zero disables.
	UserRate int

	// UserBurst is the maximum burst size per authenticated user.
	UserBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// AllowPublicClientRegistration permits unauthenticated client registration.
	// WARNING: Can enable DoS via mass registration.
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is required as a Bearer token for client
	// registration when AllowPublicClientRegistration is false. With neither
	// set, the registration endpoint is disabled.
	RegistrationAccessToken string

	// EncryptionKey is the AES-256 key (32 bytes) for encryption at rest.
	// Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// NewEncryptor returns the encryptor for EncryptionKey, disabled when no key
// is configured. Stores that support encryption at rest take it.
func (c SecurityConfig) NewEncryptor() (*security.Encryptor, error) {
	return security.NewEncryptor(c.EncryptionKey)
}

func (c *Config) registrationEnabled() bool {
	return c.Security.AllowPublicClientRegistration || c.Security.RegistrationAccessToken != ""
}

func (c *Config) ipExtractor() security.ClientIPExtractor {
	return security.ClientIPExtractor{
		TrustProxy:        c.RateLimit.TrustProxy,
		TrustedProxyCount: c.RateLimit.TrustedProxyCount,
	}
}
