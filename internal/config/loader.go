package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCP_AUTH_"

// Load reads path (optional), loads envFiles into the process environment
// without overriding variables that are already set, then applies the
// MCP_AUTH_* overrides and validates the result.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFiles); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays MCP_AUTH_* variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LISTEN_ADDRESS", &cfg.HTTP.ListenAddress)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	e.str("ISSUER", &cfg.OAuth.Issuer)
	e.str("RESOURCE", &cfg.OAuth.Resource)
	e.list("SUPPORTED_SCOPES", &cfg.OAuth.SupportedScopes)
	e.integer64("ACCESS_TOKEN_TTL", &cfg.OAuth.AccessTokenTTL)
	e.integer64("REFRESH_TOKEN_TTL", &cfg.OAuth.RefreshTokenTTL)
	e.boolean("ALLOW_INSECURE_HTTP", &cfg.OAuth.AllowInsecureHTTP)
	e.boolean("REDIRECT_TO_CONSENT", &cfg.OAuth.RedirectToConsent)

	e.str("STORAGE_BACKEND", &cfg.Storage.Backend)
	e.str("VALKEY_ADDRESS", &cfg.Storage.Valkey.Address)
	e.str("VALKEY_PASSWORD", &cfg.Storage.Valkey.Password)
	e.str("SQL_DSN", &cfg.Storage.SQL.DSN)

	e.str("CONSENT_BACKEND", &cfg.Consent.Backend)
	e.str("REDIS_URL", &cfg.Consent.RedisURL)

	e.boolean("ALLOW_PUBLIC_REGISTRATION", &cfg.Security.AllowPublicClientRegistration)
	e.str("REGISTRATION_ACCESS_TOKEN", &cfg.Security.RegistrationAccessToken)
	e.str("ENCRYPTION_KEY", &cfg.Security.EncryptionKey)
	e.boolean("AUDIT_LOGGING", &cfg.Security.EnableAuditLogging)
	e.str("USER_HEADER", &cfg.Security.UserHeader)

	e.integer("RATE_LIMIT", &cfg.RateLimit.Rate)
	e.integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	e.boolean("TRUST_PROXY", &cfg.RateLimit.TrustProxy)

	e.str("AMQP_URL", &cfg.Audit.AMQPURL)

	e.duration("CLEANUP_INTERVAL", &cfg.CleanupInterval)
	e.str("LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(e.errs...)
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	*dst = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) integer64(name string, dst *int64) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}
