package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Token type hints accepted by RevokeToken (RFC 7009 Section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IssuedTokens is the result of minting tokens. RefreshToken is nil when
// none was issued.
type IssuedTokens struct {
	AccessToken  *storage.AccessToken
	RefreshToken *storage.RefreshToken
}

// TokenResponse is the wire format of a successful token response
// (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenManager issues, validates, refreshes and revokes tokens.
type TokenManager struct {
	*deps
}

// GenerateTokens mints and stores an access token and, when
// includeRefreshToken is set and the server issues refresh tokens, a
// refresh token.
func (m *TokenManager) GenerateTokens(ctx context.Context, clientID, userID string, scopes []string, includeRefreshToken bool) (*IssuedTokens, error) {
	now := m.now()
	access := &storage.AccessToken{
		Token:     oauthutil.GenerateAccessToken(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now + m.config.AccessTokenTTL,
		CreatedAt: now,
		TokenType: storage.TokenTypeBearer,
	}
	if err := m.store.SaveAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	issued := &IssuedTokens{AccessToken: access}
	if includeRefreshToken && m.config.IssueRefreshTokens {
		refresh, err := m.newRefreshToken(ctx, clientID, userID, scopes, now)
		if err != nil {
			return nil, err
		}
		issued.RefreshToken = refresh
	}
	return issued, nil
}

func (m *TokenManager) newRefreshToken(ctx context.Context, clientID, userID string, scopes []string, now int64) (*storage.RefreshToken, error) {
	refresh := &storage.RefreshToken{
		Token:     oauthutil.GenerateRefreshToken(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: oauthutil.ExpiresAt(now, m.config.refreshTokenTTL()),
		CreatedAt: now,
	}
	if err := m.store.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return refresh, nil
}

// ValidateAccessToken returns the stored token if it exists and has not
// expired. Expired tokens are deleted. Protocol failures are reported as an
// invalid_token *ProtocolError.
func (m *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	at, err := m.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidToken, "Token not found")
		}
		return nil, err
	}
	if oauthutil.IsExpiredAt(at.ExpiresAt, m.now()) {
		if err := m.store.DeleteAccessToken(ctx, token); err != nil {
			return nil, fmt.Errorf("failed to delete expired access token: %w", err)
		}
		return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidToken, "Token expired")
	}
	return at, nil
}

// ValidateRefreshToken returns the stored refresh token if it exists and has
// not expired. Expired tokens are deleted. Protocol failures are reported as
// an invalid_grant *ProtocolError.
func (m *TokenManager) ValidateRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	rt, err := m.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidGrant, "Invalid refresh token")
		}
		return nil, err
	}
	if oauthutil.IsExpiredAt(rt.ExpiresAt, m.now()) {
		if err := m.store.DeleteRefreshToken(ctx, token); err != nil {
			return nil, fmt.Errorf("failed to delete expired refresh token: %w", err)
		}
		return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidGrant, "Refresh token expired")
	}
	return rt, nil
}

// RefreshAccessToken mints a new access token from a refresh token issued to
// clientID. requestedScopes, when non-empty, must be a subset of the
// original grant. With rotation enabled the old refresh token is consumed
// atomically before a new one is stored, so two concurrent refreshes with
// the same token cannot both succeed.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, refreshToken, clientID string, requestedScopes []string) (*IssuedTokens, error) {
	ctx, span := m.startSpan(ctx, "refresh_access_token")
	defer span.End()

	rt, err := m.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	ipAddress := security.GetClientIP(ctx)
	if rt.ClientID != clientID {
		m.auditor.LogEvent(security.Event{
			Type:      security.EventCrossClientTokenUse,
			UserID:    rt.UserID,
			ClientID:  clientID,
			IPAddress: ipAddress,
			Details:   map[string]any{"issued_to": rt.ClientID},
		})
		return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidGrant, "Refresh token was not issued to this client")
	}

	scopes := rt.Scopes
	if len(requestedScopes) > 0 {
		if !oauthutil.IsScopeSubset(requestedScopes, rt.Scopes) {
			m.auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				UserID:    rt.UserID,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details: map[string]any{
					"granted":   oauthutil.FormatScopes(rt.Scopes),
					"requested": oauthutil.FormatScopes(requestedScopes),
				},
			})
			return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidScope,
				"Requested scope exceeds the scope originally granted")
		}
		scopes = requestedScopes
	}

	rotate := m.config.RefreshTokenRotation && m.config.IssueRefreshTokens
	if rotate {
		if _, err := m.store.ConsumeRefreshToken(ctx, refreshToken); err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				// Another request rotated this token first
				m.logger.Warn("Refresh token reuse detected",
					"client_id", clientID,
					"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength))
				return nil, oauthutil.NewError(oauthutil.ErrorCodeInvalidGrant, "Invalid refresh token")
			}
			return nil, fmt.Errorf("failed to consume refresh token: %w", err)
		}
	}

	issued, err := m.GenerateTokens(ctx, clientID, rt.UserID, scopes, false)
	if err != nil {
		return nil, err
	}
	if rotate {
		// The new refresh token keeps the original grant so a narrowed
		// request does not permanently shrink it.
		issued.RefreshToken, err = m.newRefreshToken(ctx, clientID, rt.UserID, rt.Scopes, m.now())
		if err != nil {
			return nil, err
		}
	}

	m.auditor.LogTokenRefreshed(rt.UserID, clientID, ipAddress, rotate)
	if metrics := m.metrics(); metrics != nil {
		metrics.RecordTokenRefresh(ctx, clientID, rotate)
	}
	instrumentation.AddOAuthFlowAttributes(span, clientID, rt.UserID, oauthutil.FormatScopes(scopes))
	instrumentation.AddTokenRotationAttributes(span, rotate)
	instrumentation.SetSpanSuccess(span)
	m.logger.Info("Refreshed access token", "client_id", clientID, "rotated", rotate)
	return issued, nil
}

// RevokeToken deletes an access or refresh token owned by clientID
// (RFC 7009). Unknown tokens are not an error. A token owned by another
// client is left alone and reported as an invalid_request *ProtocolError.
// tokenTypeHint, when set, decides which table is searched first.
func (m *TokenManager) RevokeToken(ctx context.Context, token, clientID, tokenTypeHint string) error {
	type lookup func() (owner, userID, kind string, found bool, err error)

	findAccess := func() (string, string, string, bool, error) {
		at, err := m.store.GetAccessToken(ctx, token)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return "", "", "", false, nil
		}
		if err != nil {
			return "", "", "", false, err
		}
		return at.ClientID, at.UserID, TokenTypeHintAccessToken, true, nil
	}
	findRefresh := func() (string, string, string, bool, error) {
		rt, err := m.store.GetRefreshToken(ctx, token)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return "", "", "", false, nil
		}
		if err != nil {
			return "", "", "", false, err
		}
		return rt.ClientID, rt.UserID, TokenTypeHintRefreshToken, true, nil
	}

	order := []lookup{findAccess, findRefresh}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		order = []lookup{findRefresh, findAccess}
	}

	for _, find := range order {
		owner, userID, kind, found, err := find()
		if err != nil {
			return fmt.Errorf("failed to look up token: %w", err)
		}
		if !found {
			continue
		}
		if owner != clientID {
			m.auditor.LogEvent(security.Event{
				Type:      security.EventTokenRevocationDenied,
				UserID:    userID,
				ClientID:  clientID,
				IPAddress: security.GetClientIP(ctx),
				Details:   map[string]any{"token_type": kind},
			})
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidRequest, "Token not owned by client")
		}

		if kind == TokenTypeHintAccessToken {
			err = m.store.DeleteAccessToken(ctx, token)
		} else {
			err = m.store.DeleteRefreshToken(ctx, token)
		}
		if err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}

		m.auditor.LogTokenRevoked(userID, clientID, security.GetClientIP(ctx), kind)
		if metrics := m.metrics(); metrics != nil {
			metrics.RecordTokenRevocation(ctx, clientID, kind)
		}
		return nil
	}

	m.logger.Debug("Revocation of unknown token ignored",
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return nil
}

// CreateTokenResponse builds the wire response for issued tokens.
func (m *TokenManager) CreateTokenResponse(tokens *IssuedTokens, scopes []string) *TokenResponse {
	resp := &TokenResponse{
		AccessToken: tokens.AccessToken.Token,
		TokenType:   tokens.AccessToken.TokenType,
		ExpiresIn:   m.config.AccessTokenTTL,
		Scope:       oauthutil.FormatScopes(scopes),
	}
	if tokens.RefreshToken != nil {
		resp.RefreshToken = tokens.RefreshToken.Token
	}
	return resp
}
