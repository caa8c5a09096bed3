// Package testutil provides fixtures and a controllable clock for tests.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/storage"
)

// TestRedirectURI is the callback registered on fixture clients.
const TestRedirectURI = "https://app.example.com/callback"

// MockTime is a clock that only moves when told to. It satisfies
// oauthutil.Clock.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns a URL-safe random string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// PublicClient returns a client without a secret.
func PublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:                clientID,
		ClientName:              "Test Public Client",
		RedirectURIs:            []string{TestRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		ClientIDIssuedAt:        time.Now().Unix(),
	}
}

// ConfidentialClient returns a client whose secret hash matches secret.
// bcrypt.MinCost keeps tests fast.
func ConfidentialClient(clientID, secret string) *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	c := PublicClient(clientID)
	c.ClientName = "Test Confidential Client"
	c.TokenEndpointAuthMethod = "client_secret_basic"
	c.Secret = &storage.ClientSecret{Hash: string(hash)}
	return c
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
