package server

import (
	"log/slog"

	"github.com/giantswarm/mcp-authserver/internal/util"
)

// Grant types understood by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Default lifetimes in seconds
const (
	DefaultAuthorizationCodeTTL = 600
	DefaultAccessTokenTTL       = 3600
	DefaultRefreshTokenTTL      = 2592000 // 30 days
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed
	SupportedScopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// A negative value issues refresh tokens that never expire.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// ClientSecretTTL is how long a generated client secret stays valid.
	// Zero means secrets never expire
	ClientSecretTTL int64 // seconds, default: 0

	// IssueRefreshTokens controls whether the code exchange also returns a refresh token
	// Default: true
	IssueRefreshTokens bool

	// RefreshTokenRotation replaces the refresh token on every use (OAuth 2.1).
	// The old token is consumed before the new one is issued; there is no grace window.
	// Default: true
	RefreshTokenRotation bool

	// RequirePKCE enforces a code_challenge for public clients
	// WARNING: Disabling this significantly weakens security
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: true, so that legacy clients keep working; a warning is logged
	AllowPKCEPlain bool

	// ConsentURI is where users are sent when consent is missing.
	// Default: Issuer + "/consent"
	ConsentURI string

	// AllowedGrantTypes lists the grant types the token endpoint accepts.
	// Default: authorization_code, refresh_token, client_credentials
	AllowedGrantTypes []string

	// AllowInsecureHTTP permits an http:// issuer on a non-localhost host
	// WARNING: Only for testing behind a TLS-terminating proxy you control
	AllowInsecureHTTP bool

	// secureDefaultsApplied marks a config that already went through applySecureDefaults
	secureDefaultsApplied bool
}

// DefaultConfig returns a configuration with every secure default set.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyTimeDefaults(cfg)
	applySecurityDefaults(cfg)
	return cfg
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = util.NormalizeURL(config.Issuer)

	applyTimeDefaults(config)

	switch {
	case config.secureDefaultsApplied:
	case isFreshConfig(config):
		applySecurityDefaults(config)
	default:
		// Explicitly configured: warn about weakened settings
		logSecurityWarnings(config, logger)
	}

	if config.ConsentURI == "" && config.Issuer != "" {
		config.ConsentURI = config.Issuer + "/consent"
	}
	if len(config.AllowedGrantTypes) == 0 {
		config.AllowedGrantTypes = []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
		}
	}

	if len(config.SupportedScopes) == 0 {
		logger.Warn("⚠️  CONFIGURATION WARNING: SupportedScopes is empty",
			"risk", "Clients may request any scope",
			"recommendation", "List the scopes your resources understand")
	}
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

// isFreshConfig is a heuristic: if all security bools are false the config
// was most likely never touched
func isFreshConfig(config *Config) bool {
	return !config.IssueRefreshTokens &&
		!config.RefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain
}

// applySecurityDefaults sets secure defaults for security-related configuration
func applySecurityDefaults(config *Config) {
	config.IssueRefreshTokens = true
	config.RefreshTokenRotation = true
	config.RequirePKCE = true
	config.AllowPKCEPlain = true
	config.secureDefaultsApplied = true
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED for public clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.IssueRefreshTokens && !config.RefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A stolen refresh token stays usable until it expires",
			"recommendation", "Set RefreshTokenRotation=true")
	}
	if config.RefreshTokenTTL < 0 {
		logger.Warn("⚠️  SECURITY WARNING: Refresh tokens never expire",
			"risk", "Long-lived credentials accumulate",
			"recommendation", "Set a positive RefreshTokenTTL")
	}
}

// refreshTokenTTL returns the refresh token lifetime in seconds, 0 for never.
func (c *Config) refreshTokenTTL() int64 {
	if c.RefreshTokenTTL < 0 {
		return 0
	}
	return c.RefreshTokenTTL
}

// grantAllowed reports whether the server accepts the grant type.
func (c *Config) grantAllowed(grantType string) bool {
	for _, g := range c.AllowedGrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}
