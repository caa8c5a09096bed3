package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateConfig rejects configurations the server cannot run with.
// It expects applySecureDefaults to have run.
func validateConfig(config *Config, logger *slog.Logger) error {
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return err
	}
	if config.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("AuthorizationCodeTTL must be positive (got %d)", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL < 0 {
		return fmt.Errorf("AccessTokenTTL must be positive (got %d)", config.AccessTokenTTL)
	}
	if config.ClientSecretTTL < 0 {
		return fmt.Errorf("ClientSecretTTL must not be negative (got %d)", config.ClientSecretTTL)
	}
	for _, scope := range config.SupportedScopes {
		if scope == "" || strings.ContainsAny(scope, " \t\n\"\\") {
			return fmt.Errorf("invalid supported scope %q", scope)
		}
	}
	for _, grant := range config.AllowedGrantTypes {
		switch grant {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
		default:
			return fmt.Errorf("unsupported grant type in AllowedGrantTypes: %s", grant)
		}
	}
	if config.ConsentURI != "" {
		u, err := url.Parse(config.ConsentURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("ConsentURI must be an absolute URL (got %q)", config.ConsentURI)
		}
	}
	return nil
}

// validateHTTPSEnforcement enforces HTTPS for the issuer.
//   - HTTPS: always allowed
//   - HTTP on localhost: allowed with a warning (development)
//   - HTTP elsewhere: blocked unless AllowInsecureHTTP=true
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	// An empty issuer is allowed for embedded use and tests
	if config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// "localhost", 0.0.0.0, the 127.0.0.0/8 range and ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	cleanHostname := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
