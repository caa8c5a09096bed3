package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_client", start, err) }(time.Now())

	key, err := s.key(kindClient, clientID)
	if err != nil {
		return nil, err
	}
	client = &storage.Client{}
	if err = s.get(ctx, key, client, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)); err != nil {
		return nil, err
	}
	return client, nil
}

// SaveClient creates or replaces a client. Clients have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	defer func(start time.Time) { s.observe(ctx, "save_client", start, err) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	key, err := s.key(kindClient, client.ClientID)
	if err != nil {
		return err
	}
	if err = s.put(ctx, key, client, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_client", start, err) }(time.Now())

	key, err := s.key(kindClient, clientID)
	if err != nil {
		return err
	}
	return s.del(ctx, key)
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

func codeNotFound(code string) error {
	return fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
}

// GetAuthorizationCode retrieves a code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_authorization_code", start, err) }(time.Now())

	key, err := s.key(kindCode, code)
	if err != nil {
		return nil, err
	}
	ac = &storage.AuthorizationCode{}
	if err = s.get(ctx, key, ac, codeNotFound(code)); err != nil {
		return nil, err
	}
	return ac, nil
}

// SaveAuthorizationCode persists a newly issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	defer func(start time.Time) { s.observe(ctx, "save_authorization_code", start, err) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	key, err := s.key(kindCode, code.Code)
	if err != nil {
		return err
	}
	if err = s.put(ctx, key, code, s.ttlFor(code.ExpiresAt)); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// DeleteAuthorizationCode removes a code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_authorization_code", start, err) }(time.Now())

	key, err := s.key(kindCode, code)
	if err != nil {
		return err
	}
	return s.del(ctx, key)
}

// ConsumeAuthorizationCode removes and returns a code with a single GETDEL,
// so at most one concurrent caller receives it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	defer func(start time.Time) { s.observe(ctx, "consume_authorization_code", start, err) }(time.Now())

	key, err := s.key(kindCode, code)
	if err != nil {
		return nil, err
	}
	ac = &storage.AuthorizationCode{}
	if err = s.take(ctx, key, ac, codeNotFound(code)); err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return ac, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

var (
	errAccessTokenNotFound  = fmt.Errorf("%w: access token", storage.ErrTokenNotFound)
	errRefreshTokenNotFound = fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
)

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, token string) (at *storage.AccessToken, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_access_token", start, err) }(time.Now())

	key, err := s.key(kindAccess, token)
	if err != nil {
		return nil, err
	}
	at = &storage.AccessToken{}
	if err = s.get(ctx, key, at, errAccessTokenNotFound); err != nil {
		return nil, err
	}
	return at, nil
}

// SaveAccessToken stores an access token record
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	defer func(start time.Time) { s.observe(ctx, "save_access_token", start, err) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	key, err := s.key(kindAccess, token.Token)
	if err != nil {
		return err
	}
	if err = s.put(ctx, key, token, s.ttlFor(token.ExpiresAt)); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_access_token", start, err) }(time.Now())

	key, err := s.key(kindAccess, token)
	if err != nil {
		return err
	}
	return s.del(ctx, key)
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (rt *storage.RefreshToken, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_refresh_token", start, err) }(time.Now())

	key, err := s.key(kindRefresh, token)
	if err != nil {
		return nil, err
	}
	rt = &storage.RefreshToken{}
	if err = s.get(ctx, key, rt, errRefreshTokenNotFound); err != nil {
		return nil, err
	}
	return rt, nil
}

// SaveRefreshToken stores a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	defer func(start time.Time) { s.observe(ctx, "save_refresh_token", start, err) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	key, err := s.key(kindRefresh, token.Token)
	if err != nil {
		return err
	}
	if err = s.put(ctx, key, token, s.ttlFor(token.ExpiresAt)); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_refresh_token", start, err) }(time.Now())

	key, err := s.key(kindRefresh, token)
	if err != nil {
		return err
	}
	return s.del(ctx, key)
}

// ConsumeRefreshToken removes and returns a refresh token with GETDEL.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (rt *storage.RefreshToken, err error) {
	defer func(start time.Time) { s.observe(ctx, "consume_refresh_token", start, err) }(time.Now())

	key, err := s.key(kindRefresh, token)
	if err != nil {
		return nil, err
	}
	rt = &storage.RefreshToken{}
	if err = s.take(ctx, key, rt, errRefreshTokenNotFound); err != nil {
		return nil, err
	}
	return rt, nil
}
