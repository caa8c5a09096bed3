// Package config loads the mcp-authserver binary configuration from a YAML
// file, optional .env files and MCP_AUTH_* environment variables, in that
// order of precedence (environment wins).
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageValkey   = "valkey"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Consent backends.
const (
	ConsentMemory = "memory"
	ConsentRedis  = "redis"
)

const (
	DefaultListenAddress   = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultCleanupInterval = time.Minute
	DefaultUserHeader      = oauth.DefaultUserHeader
)

// Config is the full binary configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Storage   StorageConfig   `yaml:"storage"`
	Consent   ConsentConfig   `yaml:"consent"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`

	// CleanupInterval is how often expired codes and tokens are swept.
	// A negative value disables the sweeper.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// HTTPConfig controls the listener.
type HTTPConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// OAuthConfig maps onto server.Config. Unset security switches keep the
// secure defaults.
type OAuthConfig struct {
	Issuer          string   `yaml:"issuer"`
	Resource        string   `yaml:"resource"`
	SupportedScopes []string `yaml:"supported_scopes"`

	AuthorizationCodeTTL int64 `yaml:"authorization_code_ttl"`
	AccessTokenTTL       int64 `yaml:"access_token_ttl"`
	RefreshTokenTTL      int64 `yaml:"refresh_token_ttl"`
	ClientSecretTTL      int64 `yaml:"client_secret_ttl"`

	IssueRefreshTokens   *bool `yaml:"issue_refresh_tokens"`
	RefreshTokenRotation *bool `yaml:"refresh_token_rotation"`
	RequirePKCE          *bool `yaml:"require_pkce"`
	AllowPKCEPlain       *bool `yaml:"allow_pkce_plain"`

	AllowedGrantTypes []string `yaml:"allowed_grant_types"`
	ConsentURI        string   `yaml:"consent_uri"`
	RedirectToConsent bool     `yaml:"redirect_to_consent"`
	AllowInsecureHTTP bool     `yaml:"allow_insecure_http"`
}

// StorageConfig selects and configures the token store.
type StorageConfig struct {
	Backend string       `yaml:"backend"`
	Valkey  ValkeyConfig `yaml:"valkey"`
	SQL     SQLConfig    `yaml:"sql"`
}

type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

// ConsentConfig selects the consent backend.
type ConsentConfig struct {
	Backend   string `yaml:"backend"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SecurityConfig struct {
	AllowPublicClientRegistration bool   `yaml:"allow_public_client_registration"`
	RegistrationAccessToken       string `yaml:"registration_access_token"`
	// EncryptionKey is a base64-encoded 32-byte key for encryption at rest.
	EncryptionKey      string `yaml:"encryption_key"`
	EnableAuditLogging bool   `yaml:"enable_audit_logging"`
	// UserHeader carries the authenticated user set by the fronting proxy.
	UserHeader string `yaml:"user_header"`
}

type RateLimitConfig struct {
	Rate              int  `yaml:"rate"`
	Burst             int  `yaml:"burst"`
	UserRate          int  `yaml:"user_rate"`
	UserBurst         int  `yaml:"user_burst"`
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
}

// AuditConfig enables publishing audit events to RabbitMQ when AMQPURL is set.
type AuditConfig struct {
	AMQPURL          string `yaml:"amqp_url"`
	Exchange         string `yaml:"exchange"`
	RoutingKeyPrefix string `yaml:"routing_key_prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddress:     DefaultListenAddress,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		Storage:         StorageConfig{Backend: StorageMemory},
		Consent:         ConsentConfig{Backend: ConsentMemory},
		Security:        SecurityConfig{UserHeader: DefaultUserHeader},
		Audit:           AuditConfig{Exchange: "oauth.audit"},
		CleanupInterval: DefaultCleanupInterval,
		LogLevel:        "info",
	}
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	if c.OAuth.Issuer == "" {
		return fmt.Errorf("oauth.issuer is required")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	case StorageSQLite, StoragePostgres:
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("storage.sql.dsn is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Consent.Backend {
	case ConsentMemory:
	case ConsentRedis:
		if c.Consent.RedisURL == "" {
			return fmt.Errorf("consent.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown consent backend %q", c.Consent.Backend)
	}

	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// EncryptionKey decodes Security.EncryptionKey. An empty key returns nil.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Security.EncryptionKey == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(c.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("security.encryption_key: %w", err)
	}
	return key, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ServerConfig builds the protocol configuration. When none of the security
// switches are set the result is left fresh so the secure defaults apply.
func (c *Config) ServerConfig() *server.Config {
	o := c.OAuth
	cfg := &server.Config{
		Issuer:               o.Issuer,
		SupportedScopes:      slices.Clone(o.SupportedScopes),
		AuthorizationCodeTTL: o.AuthorizationCodeTTL,
		AccessTokenTTL:       o.AccessTokenTTL,
		RefreshTokenTTL:      o.RefreshTokenTTL,
		ClientSecretTTL:      o.ClientSecretTTL,
		AllowedGrantTypes:    slices.Clone(o.AllowedGrantTypes),
		ConsentURI:           o.ConsentURI,
		AllowInsecureHTTP:    o.AllowInsecureHTTP,
	}

	if o.IssueRefreshTokens == nil && o.RefreshTokenRotation == nil && o.RequirePKCE == nil && o.AllowPKCEPlain == nil {
		return cfg
	}
	defaults := server.DefaultConfig()
	cfg.IssueRefreshTokens = boolOr(o.IssueRefreshTokens, defaults.IssueRefreshTokens)
	cfg.RefreshTokenRotation = boolOr(o.RefreshTokenRotation, defaults.RefreshTokenRotation)
	cfg.RequirePKCE = boolOr(o.RequirePKCE, defaults.RequirePKCE)
	cfg.AllowPKCEPlain = boolOr(o.AllowPKCEPlain, defaults.AllowPKCEPlain)
	return cfg
}

// OAuthServerConfig builds the HTTP-layer configuration around ServerConfig.
func (c *Config) OAuthServerConfig(logger *slog.Logger) (*oauth.Config, error) {
	key, err := c.EncryptionKey()
	if err != nil {
		return nil, err
	}

	interval := c.CleanupInterval
	if interval < 0 {
		interval = 0
	}

	return &oauth.Config{
		Server:            c.ServerConfig(),
		Resource:          c.OAuth.Resource,
		RedirectToConsent: c.OAuth.RedirectToConsent,
		RateLimit: oauth.RateLimitConfig{
			Rate:              c.RateLimit.Rate,
			Burst:             c.RateLimit.Burst,
			UserRate:          c.RateLimit.UserRate,
			UserBurst:         c.RateLimit.UserBurst,
			TrustProxy:        c.RateLimit.TrustProxy,
			TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		},
		Security: oauth.SecurityConfig{
			AllowPublicClientRegistration: c.Security.AllowPublicClientRegistration,
			RegistrationAccessToken:       c.Security.RegistrationAccessToken,
			EncryptionKey:                 key,
			EnableAuditLogging:            c.Security.EnableAuditLogging,
		},
		CleanupInterval: interval,
		Logger:          logger,
	}, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
