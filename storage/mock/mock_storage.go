// Package mock provides a storage.Store whose methods can be overridden
// individually, for injecting backend failures in tests.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

// Store delegates to an in-memory store unless the matching Func field is
// set. Every call is counted in CallCounts under the method name.
type Store struct {
	backing *memory.Store

	GetClientFunc                func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveClientFunc               func(ctx context.Context, client *storage.Client) error
	DeleteClientFunc             func(ctx context.Context, clientID string) error
	GetAuthorizationCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	DeleteAuthorizationCodeFunc  func(ctx context.Context, code string) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	GetAccessTokenFunc           func(ctx context.Context, token string) (*storage.AccessToken, error)
	SaveAccessTokenFunc          func(ctx context.Context, token *storage.AccessToken) error
	DeleteAccessTokenFunc        func(ctx context.Context, token string) error
	GetRefreshTokenFunc          func(ctx context.Context, token string) (*storage.RefreshToken, error)
	SaveRefreshTokenFunc         func(ctx context.Context, token *storage.RefreshToken) error
	DeleteRefreshTokenFunc       func(ctx context.Context, token string) error
	ConsumeRefreshTokenFunc      func(ctx context.Context, token string) (*storage.RefreshToken, error)
	CleanupExpiredTokensFunc     func(ctx context.Context) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a mock backed by a fresh memory.Store.
func New() *Store {
	return &Store{
		backing:    memory.New(),
		callCounts: make(map[string]int),
	}
}

// Backing exposes the underlying store for seeding fixtures.
func (m *Store) Backing() *memory.Store {
	return m.backing
}

// CallCount returns how often method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.backing.GetClient(ctx, clientID)
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.backing.SaveClient(ctx, client)
}

// DeleteClient implements storage.ClientStore
func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return m.backing.DeleteClient(ctx, clientID)
}

// GetAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.backing.GetAuthorizationCode(ctx, code)
}

// SaveAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.backing.SaveAuthorizationCode(ctx, code)
}

// DeleteAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	return m.backing.DeleteAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.backing.ConsumeAuthorizationCode(ctx, code)
}

// GetAccessToken implements storage.TokenStore
func (m *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	return m.backing.GetAccessToken(ctx, token)
}

// SaveAccessToken implements storage.TokenStore
func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.backing.SaveAccessToken(ctx, token)
}

// DeleteAccessToken implements storage.TokenStore
func (m *Store) DeleteAccessToken(ctx context.Context, token string) error {
	m.record("DeleteAccessToken")
	if m.DeleteAccessTokenFunc != nil {
		return m.DeleteAccessTokenFunc(ctx, token)
	}
	return m.backing.DeleteAccessToken(ctx, token)
}

// GetRefreshToken implements storage.TokenStore
func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.backing.GetRefreshToken(ctx, token)
}

// SaveRefreshToken implements storage.TokenStore
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.backing.SaveRefreshToken(ctx, token)
}

// DeleteRefreshToken implements storage.TokenStore
func (m *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	m.record("DeleteRefreshToken")
	if m.DeleteRefreshTokenFunc != nil {
		return m.DeleteRefreshTokenFunc(ctx, token)
	}
	return m.backing.DeleteRefreshToken(ctx, token)
}

// ConsumeRefreshToken implements storage.TokenStore
func (m *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, token)
	}
	return m.backing.ConsumeRefreshToken(ctx, token)
}

// CleanupExpiredTokens implements storage.Cleaner
func (m *Store) CleanupExpiredTokens(ctx context.Context) (int, error) {
	m.record("CleanupExpiredTokens")
	if m.CleanupExpiredTokensFunc != nil {
		return m.CleanupExpiredTokensFunc(ctx)
	}
	return m.backing.CleanupExpiredTokens(ctx)
}
