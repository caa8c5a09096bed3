package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// TokenRequest carries the token endpoint parameters after the HTTP layer
// extracted client credentials from Basic auth or the body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResult is the outcome of a token request. Exactly one of Response
// or Error is set.
type TokenResult struct {
	Success  bool
	Response *TokenResponse
	Error    *ProtocolError
}

func tokenFailure(code, description string) *TokenResult {
	return &TokenResult{Error: oauthutil.NewError(code, description)}
}

// tokenResultFromError turns a *ProtocolError into a failed result and
// passes any other error through.
func tokenResultFromError(err error) (*TokenResult, error) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return &TokenResult{Error: perr}, nil
	}
	return nil, err
}

// TokenRequestHandler implements the /token grants.
type TokenRequestHandler struct {
	*deps
	clients *ClientManager
	tokens  *TokenManager
}

// HandleTokenRequest dispatches on grant_type.
func (h *TokenRequestHandler) HandleTokenRequest(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if req.GrantType == "" {
		return tokenFailure(oauthutil.ErrorCodeInvalidRequest, "grant_type is required"), nil
	}
	if !h.config.grantAllowed(req.GrantType) {
		return tokenFailure(oauthutil.ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Unsupported grant_type: %s", req.GrantType)), nil
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return h.ExchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return h.RefreshToken(ctx, req)
	case GrantTypeClientCredentials:
		return h.ClientCredentials(ctx, req)
	default:
		return tokenFailure(oauthutil.ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Unsupported grant_type: %s", req.GrantType)), nil
	}
}

// ExchangeAuthorizationCode redeems an authorization code. The code is
// looked up and validated first, then consumed atomically; whichever
// concurrent request consumes it wins and every other attempt, including
// any later replay, gets invalid_grant.
func (h *TokenRequestHandler) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := h.startSpan(ctx, "exchange_authorization_code")
	defer span.End()

	res, err := h.exchange(ctx, req)
	finishTokenSpan(span, res, err)
	return res, err
}

func (h *TokenRequestHandler) exchange(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if req.Code == "" {
		return tokenFailure(oauthutil.ErrorCodeInvalidRequest, "code is required"), nil
	}
	ipAddress := security.GetClientIP(ctx)

	code, err := h.store.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, err
		}
		h.auditor.LogAuthFailure("", req.ClientID, ipAddress, "unknown_authorization_code")
		h.logger.Debug("Unknown or already redeemed authorization code",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		return tokenFailure(oauthutil.ErrorCodeInvalidGrant, "Invalid authorization code"), nil
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), code.CodeChallengeMethod)

	client, err := h.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return tokenResultFromError(err)
	}
	if client.ClientID != code.ClientID {
		h.auditor.LogAuthFailure(code.UserID, req.ClientID, ipAddress, "code_issued_to_other_client")
		return tokenFailure(oauthutil.ErrorCodeInvalidClient, clientAuthFailed), nil
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return tokenFailure(oauthutil.ErrorCodeUnauthorizedClient,
			"Client is not allowed to use the authorization_code grant"), nil
	}

	if req.RedirectURI != code.RedirectURI {
		h.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			UserID:    code.UserID,
			ClientID:  client.ClientID,
			IPAddress: ipAddress,
			Details:   map[string]any{"stage": "token"},
		})
		return tokenFailure(oauthutil.ErrorCodeInvalidGrant,
			"redirect_uri does not match the authorization request"), nil
	}

	if code.CodeChallenge != "" {
		if perr := oauthutil.VerifyPKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); perr != nil {
			h.auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  client.ClientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"method": code.CodeChallengeMethod},
			})
			if metrics := h.metrics(); metrics != nil {
				metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			return &TokenResult{Error: perr}, nil
		}
	} else if req.CodeVerifier != "" {
		// A verifier without a challenge hints at a downgrade attempt
		return tokenFailure(oauthutil.ErrorCodeInvalidGrant,
			"PKCE verification failed: code_verifier sent but no code_challenge was issued"), nil
	}

	if oauthutil.IsExpiredAt(code.ExpiresAt, h.now()) {
		if err := h.store.DeleteAuthorizationCode(ctx, req.Code); err != nil {
			return nil, fmt.Errorf("failed to delete expired authorization code: %w", err)
		}
		return tokenFailure(oauthutil.ErrorCodeInvalidGrant, "Authorization code expired"), nil
	}

	consumed, err := h.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, err
		}
		// Lost the race against a concurrent exchange
		h.codeReuse(ctx, client.ClientID, req.Code, ipAddress)
		return tokenFailure(oauthutil.ErrorCodeInvalidGrant, "Invalid authorization code"), nil
	}

	issued, err := h.tokens.GenerateTokens(ctx, consumed.ClientID, consumed.UserID, consumed.Scopes, true)
	if err != nil {
		return nil, err
	}

	scope := oauthutil.FormatScopes(consumed.Scopes)
	h.auditor.LogTokenIssued(consumed.UserID, consumed.ClientID, ipAddress, scope)
	if metrics := h.metrics(); metrics != nil {
		metrics.RecordCodeExchange(ctx, consumed.ClientID, consumed.CodeChallengeMethod)
	}
	h.logger.Info("Exchanged authorization code",
		"client_id", consumed.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength),
		"refresh_token", issued.RefreshToken != nil)

	return &TokenResult{
		Success:  true,
		Response: h.tokens.CreateTokenResponse(issued, consumed.Scopes),
	}, nil
}

func (h *TokenRequestHandler) codeReuse(ctx context.Context, clientID, code, ipAddress string) {
	h.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
	if metrics := h.metrics(); metrics != nil {
		metrics.RecordCodeReuseDetected(ctx)
	}
	instrumentation.MarkCodeReuse(trace.SpanFromContext(ctx))
	h.logger.Warn("Authorization code redeemed concurrently",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
}

// RefreshToken handles grant_type=refresh_token. Refresh tokens are only
// ever issued through the code exchange, so clients registered for
// authorization_code may use this grant without listing it.
func (h *TokenRequestHandler) RefreshToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if req.RefreshToken == "" {
		return tokenFailure(oauthutil.ErrorCodeInvalidRequest, "refresh_token is required"), nil
	}

	client, err := h.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return tokenResultFromError(err)
	}
	if !client.HasGrantType(GrantTypeRefreshToken) && !client.HasGrantType(GrantTypeAuthorizationCode) {
		return tokenFailure(oauthutil.ErrorCodeUnauthorizedClient,
			"Client is not allowed to use the refresh_token grant"), nil
	}

	issued, err := h.tokens.RefreshAccessToken(ctx, req.RefreshToken, client.ClientID, oauthutil.ParseScopes(req.Scope))
	if err != nil {
		return tokenResultFromError(err)
	}
	return &TokenResult{
		Success:  true,
		Response: h.tokens.CreateTokenResponse(issued, issued.AccessToken.Scopes),
	}, nil
}

// ClientCredentials handles grant_type=client_credentials for confidential
// clients. The token is issued to the client itself and never carries a
// refresh token.
func (h *TokenRequestHandler) ClientCredentials(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := h.startSpan(ctx, "client_credentials")
	defer span.End()

	res, err := h.clientCredentials(ctx, req)
	finishTokenSpan(span, res, err)
	return res, err
}

func (h *TokenRequestHandler) clientCredentials(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	client, err := h.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return tokenResultFromError(err)
	}
	if client.IsPublic() || !client.HasGrantType(GrantTypeClientCredentials) {
		return tokenFailure(oauthutil.ErrorCodeUnauthorizedClient,
			"Client is not allowed to use the client_credentials grant"), nil
	}

	scopes := oauthutil.ParseScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = oauthutil.ParseScopes(client.Scope)
	}
	if len(h.config.SupportedScopes) > 0 {
		if err := oauthutil.ValidateScopes(scopes, h.config.SupportedScopes); err != nil {
			return tokenFailure(oauthutil.ErrorCodeInvalidScope, err.Error()), nil
		}
	}
	if client.Scope != "" && !oauthutil.IsScopeSubset(scopes, oauthutil.ParseScopes(client.Scope)) {
		return tokenFailure(oauthutil.ErrorCodeInvalidScope, "Requested scope exceeds the client's registered scope"), nil
	}

	issued, err := h.tokens.GenerateTokens(ctx, client.ClientID, client.ClientID, scopes, false)
	if err != nil {
		return nil, err
	}
	h.auditor.LogTokenIssued(client.ClientID, client.ClientID, security.GetClientIP(ctx), oauthutil.FormatScopes(scopes))
	return &TokenResult{
		Success:  true,
		Response: h.tokens.CreateTokenResponse(issued, scopes),
	}, nil
}

// finishTokenSpan sets the span status from a token result.
func finishTokenSpan(span trace.Span, res *TokenResult, err error) {
	switch {
	case err != nil:
		instrumentation.RecordError(span, err)
	case res.Error != nil:
		instrumentation.SetSpanError(span, res.Error.Code)
	default:
		instrumentation.SetSpanSuccess(span)
	}
}
