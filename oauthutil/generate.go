package oauthutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// clientIDBytes is the amount of randomness in a client identifier (128 bits).
	clientIDBytes = 16

	// ClientIDPrefix makes client identifiers recognisable in logs and configs.
	ClientIDPrefix = "mcp_"
)

// GenerateClientID returns a new client identifier with 128 bits of entropy,
// hex encoded behind ClientIDPrefix.
func GenerateClientID() string {
	b := make([]byte, clientIDBytes)
	if _, err := rand.Read(b); err != nil {
		// System RNG failure: never fall back to weaker randomness
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return ClientIDPrefix + hex.EncodeToString(b)
}

// GenerateClientSecret returns a new client secret (256 bits, base64url).
func GenerateClientSecret() string {
	return randomToken()
}

// GenerateAuthorizationCode returns a new single-use authorization code.
func GenerateAuthorizationCode() string {
	return randomToken()
}

// GenerateAccessToken returns a new opaque access token.
func GenerateAccessToken() string {
	return randomToken()
}

// GenerateRefreshToken returns a new opaque refresh token.
func GenerateRefreshToken() string {
	return randomToken()
}

// randomToken produces 32 bytes from crypto/rand encoded as unpadded
// base64url (43 characters), the same shape as a PKCE verifier.
func randomToken() string {
	return oauth2.GenerateVerifier()
}
