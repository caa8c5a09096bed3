package storage

import (
	"context"
	"slices"
)

// TokenTypeBearer is the only token type issued by this server.
const TokenTypeBearer = "Bearer"

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrClientNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient creates or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client. Deleting an unknown client is not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// AuthorizationCodeStore manages issued authorization codes.
type AuthorizationCodeStore interface {
	// GetAuthorizationCode retrieves a code without consuming it.
	// Returns ErrAuthorizationCodeNotFound if absent.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// SaveAuthorizationCode persists a newly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// DeleteAuthorizationCode removes a code. Idempotent.
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// ConsumeAuthorizationCode atomically removes a code and returns it.
	// When several callers race on the same code exactly one receives it;
	// the others get ErrAuthorizationCodeNotFound.
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore manages access and refresh tokens.
type TokenStore interface {
	// GetAccessToken returns ErrTokenNotFound if absent
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	// DeleteAccessToken is idempotent
	DeleteAccessToken(ctx context.Context, token string) error

	// GetRefreshToken returns ErrTokenNotFound if absent
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	// DeleteRefreshToken is idempotent
	DeleteRefreshToken(ctx context.Context, token string) error

	// ConsumeRefreshToken atomically removes a refresh token and returns it.
	// Used for rotation so that the old token is gone before a new one is
	// observable. Returns ErrTokenNotFound if absent or already consumed.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// Cleaner sweeps expired entries.
type Cleaner interface {
	// CleanupExpiredTokens deletes every expired authorization code, access
	// token and refresh token, returning how many entries were removed.
	CleanupExpiredTokens(ctx context.Context) (int, error)
}

// Store is the complete persistence contract consumed by the server.
type Store interface {
	ClientStore
	AuthorizationCodeStore
	TokenStore
	Cleaner
}

// ClientSecret is the credential of a confidential client. Only the bcrypt
// hash is stored; the plaintext is handed out once at issue time.
type ClientSecret struct {
	Hash string `json:"hash"`
	// ExpiresAt is unix seconds; 0 means the secret never expires
	ExpiresAt int64 `json:"expires_at"`
}

// Client represents a registered OAuth client. A client with a nil Secret is
// a public client; a client with a Secret is confidential.
type Client struct {
	ClientID                string        `json:"client_id"`
	ClientName              string        `json:"client_name,omitempty"`
	RedirectURIs            []string      `json:"redirect_uris"`
	GrantTypes              []string      `json:"grant_types"`
	ResponseTypes           []string      `json:"response_types"`
	Scope                   string        `json:"scope,omitempty"`
	TokenEndpointAuthMethod string        `json:"token_endpoint_auth_method,omitempty"`
	ClientIDIssuedAt        int64         `json:"client_id_issued_at"`
	Secret                  *ClientSecret `json:"secret,omitempty"`
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.Secret == nil
}

// SecretExpiresAt returns the secret expiry, 0 for public clients or
// secrets that never expire.
func (c *Client) SecretExpiresAt() int64 {
	if c.Secret == nil {
		return 0
	}
	return c.Secret.ExpiresAt
}

// HasGrantType reports whether the client registered the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	State               string   `json:"state,omitempty"`
	ExpiresAt           int64    `json:"expires_at"`
	CreatedAt           int64    `json:"created_at"`
}

// AccessToken represents an issued opaque access token
type AccessToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
	CreatedAt int64    `json:"created_at"`
	TokenType string   `json:"token_type"`
}

// RefreshToken represents an issued refresh token. ExpiresAt 0 means the
// token never expires.
type RefreshToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
	CreatedAt int64    `json:"created_at"`
}
