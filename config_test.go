package oauth

import (
	"bytes"
	"net/http/httptest"
	"testing"
)

func TestConfig_RegistrationEnabled(t *testing.T) {
	tests := []struct {
		name     string
		security SecurityConfig
		want     bool
	}{
		{name: "closed by default", want: false},
		{name: "public registration", security: SecurityConfig{AllowPublicClientRegistration: true}, want: true},
		{name: "registration token", security: SecurityConfig{RegistrationAccessToken: "secret"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Security: tt.security}
			if got := c.registrationEnabled(); got != tt.want {
				t.Errorf("registrationEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_IPExtractor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	direct := (&Config{}).ipExtractor()
	if got := direct.ClientIP(r); got != "10.0.0.1" {
		t.Errorf("ClientIP() without proxy trust = %q, want 10.0.0.1", got)
	}

	proxied := (&Config{RateLimit: RateLimitConfig{TrustProxy: true, TrustedProxyCount: 1}}).ipExtractor()
	if got := proxied.ClientIP(r); got != "203.0.113.7" {
		t.Errorf("ClientIP() behind proxy = %q, want 203.0.113.7", got)
	}
}

func TestSecurityConfig_NewEncryptor(t *testing.T) {
	enc, err := SecurityConfig{}.NewEncryptor()
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if enc.IsEnabled() {
		t.Error("encryptor without key should be disabled")
	}

	enc, err = SecurityConfig{EncryptionKey: bytes.Repeat([]byte{7}, 32)}.NewEncryptor()
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Error("encryptor with key should be enabled")
	}

	if _, err := (SecurityConfig{EncryptionKey: []byte("short")}).NewEncryptor(); err == nil {
		t.Error("NewEncryptor() should reject a short key")
	}
}
