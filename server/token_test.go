package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

func TestTokenManager_GenerateTokens(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	now := testEpoch.Unix()

	issued, err := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, true)
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}

	at := issued.AccessToken
	if at.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", at.TokenType)
	}
	if at.ExpiresAt != now+DefaultAccessTokenTTL {
		t.Errorf("access ExpiresAt = %d, want %d", at.ExpiresAt, now+DefaultAccessTokenTTL)
	}
	if at.CreatedAt != now || at.ClientID != "client-1" || at.UserID != testUserID {
		t.Errorf("access token = %+v", at)
	}

	rt := issued.RefreshToken
	if rt == nil {
		t.Fatal("expected a refresh token")
	}
	// Default refresh expiry is 30 days, allow a minute of slack
	want := now + 2592000
	if rt.ExpiresAt < want-60 || rt.ExpiresAt > want+60 {
		t.Errorf("refresh ExpiresAt = %d, want %d ±60", rt.ExpiresAt, want)
	}
	if at.Token == rt.Token {
		t.Error("access and refresh tokens must differ")
	}

	if _, err := ts.store.GetAccessToken(ctx, at.Token); err != nil {
		t.Errorf("access token not persisted: %v", err)
	}
	if _, err := ts.store.GetRefreshToken(ctx, rt.Token); err != nil {
		t.Errorf("refresh token not persisted: %v", err)
	}
}

func TestTokenManager_GenerateTokens_RefreshPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("caller opts out", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		issued, err := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, false)
		if err != nil {
			t.Fatalf("GenerateTokens() error = %v", err)
		}
		if issued.RefreshToken != nil {
			t.Error("no refresh token expected")
		}
	})

	t.Run("server disables refresh tokens", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequirePKCE = true
		cfg.IssueRefreshTokens = false
		ts := newTestServer(t, cfg, nil)
		issued, err := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, true)
		if err != nil {
			t.Fatalf("GenerateTokens() error = %v", err)
		}
		if issued.RefreshToken != nil {
			t.Error("no refresh token expected when disabled")
		}
	})

	t.Run("never-expiring refresh tokens", func(t *testing.T) {
		cfg := testConfig()
		cfg.RefreshTokenTTL = -1
		ts := newTestServer(t, cfg, nil)
		issued, err := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, true)
		if err != nil {
			t.Fatalf("GenerateTokens() error = %v", err)
		}
		if issued.RefreshToken.ExpiresAt != 0 {
			t.Errorf("ExpiresAt = %d, want 0", issued.RefreshToken.ExpiresAt)
		}
	})
}

func TestTokenManager_ValidateAccessToken(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, false)
	token := issued.AccessToken.Token

	at, err := ts.Tokens.ValidateAccessToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != testUserID {
		t.Errorf("UserID = %q", at.UserID)
	}

	_, err = ts.Tokens.ValidateAccessToken(ctx, "unknown")
	if perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidToken); perr.Description != "Token not found" {
		t.Errorf("Description = %q", perr.Description)
	}

	ts.clock.Advance(DefaultAccessTokenTTL * time.Second)
	_, err = ts.Tokens.ValidateAccessToken(ctx, token)
	if perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidToken); perr.Description != "Token expired" {
		t.Errorf("Description = %q", perr.Description)
	}
	if _, err := ts.store.GetAccessToken(ctx, token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token should be deleted, GetAccessToken() error = %v", err)
	}
}

func TestTokenManager_ValidateRefreshToken(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, true)
	token := issued.RefreshToken.Token

	if _, err := ts.Tokens.ValidateRefreshToken(ctx, token); err != nil {
		t.Fatalf("ValidateRefreshToken() error = %v", err)
	}

	_, err := ts.Tokens.ValidateRefreshToken(ctx, "unknown")
	if perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidGrant); perr.Description != "Invalid refresh token" {
		t.Errorf("Description = %q", perr.Description)
	}

	ts.clock.Advance(DefaultRefreshTokenTTL * time.Second)
	_, err = ts.Tokens.ValidateRefreshToken(ctx, token)
	if perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidGrant); perr.Description != "Refresh token expired" {
		t.Errorf("Description = %q", perr.Description)
	}
	if _, err := ts.store.GetRefreshToken(ctx, token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token should be deleted, GetRefreshToken() error = %v", err)
	}
}

func TestTokenManager_ValidateAccessToken_StorageError(t *testing.T) {
	store := mock.New()
	store.GetAccessTokenFunc = func(context.Context, string) (*storage.AccessToken, error) { return nil, errBackend }
	ts := newTestServer(t, nil, store)

	_, err := ts.Tokens.ValidateAccessToken(context.Background(), "any")
	if !errors.Is(err, errBackend) {
		t.Fatalf("ValidateAccessToken() error = %v, want backend error", err)
	}
}

func TestTokenManager_RefreshAccessToken_Rotation(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read", "write"}, true)
	old := issued.RefreshToken.Token

	refreshed, err := ts.Tokens.RefreshAccessToken(ctx, old, "client-1", nil)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if refreshed.RefreshToken == nil || refreshed.RefreshToken.Token == old {
		t.Fatal("rotation should yield exactly one new refresh token")
	}
	if !slices.Equal(refreshed.AccessToken.Scopes, []string{"read", "write"}) {
		t.Errorf("Scopes = %v", refreshed.AccessToken.Scopes)
	}

	_, err = ts.Tokens.RefreshAccessToken(ctx, old, "client-1", nil)
	requireProtocolError(t, err, oauthutil.ErrorCodeInvalidGrant)

	if _, err := ts.Tokens.RefreshAccessToken(ctx, refreshed.RefreshToken.Token, "client-1", nil); err != nil {
		t.Errorf("new refresh token should work: %v", err)
	}
	if !ts.containsAuditEvent(security.EventTokenRefreshed) {
		t.Error("expected token_refreshed audit event")
	}
}

func TestTokenManager_RefreshAccessToken_WithoutRotation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.IssueRefreshTokens = true
	cfg.RefreshTokenRotation = false
	cfg.RequirePKCE = true
	ts := newTestServer(t, cfg, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, true)
	token := issued.RefreshToken.Token

	for i := 0; i < 2; i++ {
		refreshed, err := ts.Tokens.RefreshAccessToken(ctx, token, "client-1", nil)
		if err != nil {
			t.Fatalf("refresh %d error = %v", i, err)
		}
		if refreshed.RefreshToken != nil {
			t.Error("no new refresh token expected without rotation")
		}
	}
}

func TestTokenManager_RefreshAccessToken_ScopeSubset(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read", "write"}, true)

	_, err := ts.Tokens.RefreshAccessToken(ctx, issued.RefreshToken.Token, "client-1", []string{"read", "admin"})
	requireProtocolError(t, err, oauthutil.ErrorCodeInvalidScope)
	if !ts.containsAuditEvent(security.EventScopeEscalationAttempt) {
		t.Error("expected scope_escalation_attempt audit event")
	}

	// The failed attempt did not consume the token
	refreshed, err := ts.Tokens.RefreshAccessToken(ctx, issued.RefreshToken.Token, "client-1", []string{"read"})
	if err != nil {
		t.Fatalf("RefreshAccessToken(subset) error = %v", err)
	}
	if !slices.Equal(refreshed.AccessToken.Scopes, []string{"read"}) {
		t.Errorf("access token Scopes = %v, want [read]", refreshed.AccessToken.Scopes)
	}
	if !slices.Equal(refreshed.RefreshToken.Scopes, []string{"read", "write"}) {
		t.Errorf("rotated refresh token Scopes = %v, want the original grant", refreshed.RefreshToken.Scopes)
	}
}

func TestTokenManager_RefreshAccessToken_CrossClient(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, true)

	_, err := ts.Tokens.RefreshAccessToken(ctx, issued.RefreshToken.Token, "client-2", nil)
	perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidGrant)
	if perr.Description != "Refresh token was not issued to this client" {
		t.Errorf("Description = %q", perr.Description)
	}
	if !ts.containsAuditEvent(security.EventCrossClientTokenUse) {
		t.Error("expected cross_client_token_use audit event")
	}
	if _, err := ts.store.GetRefreshToken(ctx, issued.RefreshToken.Token); err != nil {
		t.Error("a rejected cross-client attempt must not consume the token")
	}
}

func TestTokenManager_RefreshAccessToken_ConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read"}, true)

	const workers = 16
	var wg sync.WaitGroup
	var successes, rejections atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ts.Tokens.RefreshAccessToken(ctx, issued.RefreshToken.Token, "client-1", nil)
			var perr *ProtocolError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &perr) && perr.Code == oauthutil.ErrorCodeInvalidGrant:
				rejections.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successful refreshes = %d, want exactly 1", successes.Load())
	}
	if rejections.Load() != workers-1 {
		t.Errorf("rejected refreshes = %d, want %d", rejections.Load(), workers-1)
	}
}

func TestTokenManager_RevokeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("access token", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, true)

		if err := ts.Tokens.RevokeToken(ctx, issued.AccessToken.Token, "client-1", ""); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := ts.store.GetAccessToken(ctx, issued.AccessToken.Token); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Error("access token should be deleted")
		}
		if _, err := ts.store.GetRefreshToken(ctx, issued.RefreshToken.Token); err != nil {
			t.Error("revoking the access token must leave the refresh token alone")
		}
		if !ts.containsAuditEvent(security.EventTokenRevoked) {
			t.Error("expected token_revoked audit event")
		}
	})

	t.Run("refresh token with hint", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, true)

		if err := ts.Tokens.RevokeToken(ctx, issued.RefreshToken.Token, "client-1", TokenTypeHintRefreshToken); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := ts.store.GetRefreshToken(ctx, issued.RefreshToken.Token); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Error("refresh token should be deleted")
		}
	})

	t.Run("refresh token without hint", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, true)

		if err := ts.Tokens.RevokeToken(ctx, issued.RefreshToken.Token, "client-1", ""); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := ts.store.GetRefreshToken(ctx, issued.RefreshToken.Token); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Error("refresh token should be deleted")
		}
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		if err := ts.Tokens.RevokeToken(ctx, "never-issued", "client-1", ""); err != nil {
			t.Errorf("RevokeToken(unknown) error = %v, want nil", err)
		}
	})

	t.Run("other client's token", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, nil, false)

		err := ts.Tokens.RevokeToken(ctx, issued.AccessToken.Token, "client-2", "")
		perr := requireProtocolError(t, err, oauthutil.ErrorCodeInvalidRequest)
		if perr.Description != "Token not owned by client" {
			t.Errorf("Description = %q", perr.Description)
		}
		if _, err := ts.store.GetAccessToken(ctx, issued.AccessToken.Token); err != nil {
			t.Error("token owned by another client must survive")
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		store := mock.New()
		store.GetAccessTokenFunc = func(context.Context, string) (*storage.AccessToken, error) { return nil, errBackend }
		ts := newTestServer(t, nil, store)
		if err := ts.Tokens.RevokeToken(ctx, "any", "client-1", ""); !errors.Is(err, errBackend) {
			t.Errorf("RevokeToken() error = %v, want backend error", err)
		}
	})
}

func TestTokenManager_CreateTokenResponse(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	issued, _ := ts.Tokens.GenerateTokens(ctx, "client-1", testUserID, []string{"read", "write"}, true)
	resp := ts.Tokens.CreateTokenResponse(issued, []string{"read", "write"})

	if resp.AccessToken != issued.AccessToken.Token || resp.RefreshToken != issued.RefreshToken.Token {
		t.Error("response must carry the issued tokens")
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 || resp.Scope != "read write" {
		t.Errorf("response = %+v", resp)
	}

	issued.RefreshToken = nil
	if resp := ts.Tokens.CreateTokenResponse(issued, nil); resp.RefreshToken != "" || resp.Scope != "" {
		t.Errorf("response without refresh token = %+v", resp)
	}
}
