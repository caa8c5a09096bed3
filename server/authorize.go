package server

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// AuthorizationResult is the outcome of an authorization request. Exactly
// one of AuthorizationCode or Error is set.
type AuthorizationResult struct {
	Success           bool
	AuthorizationCode string
	RedirectURI       string
	State             string
	Scopes            []string

	Error *ProtocolError

	// RedirectURITrusted is set once redirect_uri was matched against the
	// client's registration. Only then may an error be sent back to it.
	RedirectURITrusted bool
}

// AuthorizationHandler implements the /authorize decision.
type AuthorizationHandler struct {
	*deps
	clients *ClientManager
}

// HandleAuthorizationRequest validates req for the authenticated userID and
// mints an authorization code. Checks run in a fixed order and stop at the
// first failure: request shape, client, redirect_uri, scope, PKCE, consent.
// Protocol failures are returned in the result; the error return is
// reserved for storage and consent backend failures.
func (h *AuthorizationHandler) HandleAuthorizationRequest(ctx context.Context, req oauthutil.AuthorizationRequest, userID string) (*AuthorizationResult, error) {
	ctx, span := h.startSpan(ctx, "authorize")
	defer span.End()

	res, err := h.authorize(ctx, req, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	outcome := "success"
	if res.Error != nil {
		outcome = res.Error.Code
		if res.Error.Code == oauthutil.ErrorCodeConsentRequired {
			instrumentation.MarkConsentRequired(span)
		}
		instrumentation.SetSpanError(span, res.Error.Code)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, req.Scope)
	if metrics := h.metrics(); metrics != nil {
		metrics.RecordAuthorizationRequest(ctx, req.ClientID, outcome)
	}
	return res, nil
}

func (h *AuthorizationHandler) authorize(ctx context.Context, req oauthutil.AuthorizationRequest, userID string) (*AuthorizationResult, error) {
	fail := func(code, description string) *AuthorizationResult {
		return &AuthorizationResult{Error: oauthutil.NewError(code, description), State: req.State}
	}

	if v := oauthutil.ValidateAuthorizationRequest(req); !v.Valid {
		return &AuthorizationResult{Error: v.Error, State: req.State}, nil
	}

	client, err := h.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return fail(oauthutil.ErrorCodeInvalidClient, "Client not found"), nil
		}
		return nil, err
	}

	if !oauthutil.ValidateRedirectURI(client.RedirectURIs, req.RedirectURI) {
		h.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			UserID:    userID,
			ClientID:  client.ClientID,
			IPAddress: security.GetClientIP(ctx),
		})
		return fail(oauthutil.ErrorCodeInvalidRequest, "Invalid redirect_uri"), nil
	}

	// From here on errors may be reported to the redirect URI
	failTrusted := func(code, description string) *AuthorizationResult {
		res := fail(code, description)
		res.RedirectURI = req.RedirectURI
		res.RedirectURITrusted = true
		return res
	}

	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return failTrusted(oauthutil.ErrorCodeUnauthorizedClient,
			"Client is not allowed to use the authorization_code grant"), nil
	}

	scopes := oauthutil.ParseScopes(req.Scope)
	if len(scopes) == 0 && client.Scope != "" {
		scopes = oauthutil.ParseScopes(client.Scope)
	}
	if len(h.config.SupportedScopes) > 0 {
		if err := oauthutil.ValidateScopes(scopes, h.config.SupportedScopes); err != nil {
			return failTrusted(oauthutil.ErrorCodeInvalidScope, err.Error()), nil
		}
	}
	if client.Scope != "" && !oauthutil.IsScopeSubset(scopes, oauthutil.ParseScopes(client.Scope)) {
		return failTrusted(oauthutil.ErrorCodeInvalidScope, "Requested scope exceeds the client's registered scope"), nil
	}

	// A challenge without a method is plain per RFC 7636 section 4.3.
	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = oauthutil.PKCEMethodPlain
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), method)
	if method == oauthutil.PKCEMethodPlain && !h.config.AllowPKCEPlain {
		return failTrusted(oauthutil.ErrorCodeInvalidRequest, "code_challenge_method 'plain' is not allowed, use S256"), nil
	}
	if client.IsPublic() && h.config.RequirePKCE && req.CodeChallenge == "" {
		h.auditor.LogEvent(security.Event{
			Type:      security.EventPKCERequiredForPublicClient,
			UserID:    userID,
			ClientID:  client.ClientID,
			IPAddress: security.GetClientIP(ctx),
		})
		return failTrusted(oauthutil.ErrorCodeInvalidRequest, "PKCE is required for public clients"), nil
	}

	if userID == "" {
		return failTrusted(oauthutil.ErrorCodeAccessDenied, "User authentication required"), nil
	}

	consented, err := h.consents.HasUserConsented(ctx, userID, client.ClientID, scopes)
	if err != nil {
		return nil, err
	}
	if !consented {
		res := failTrusted(oauthutil.ErrorCodeConsentRequired, "User consent is required for the requested scope")
		res.Error.ConsentURI = h.consentURI(req, scopes)
		return res, nil
	}

	now := h.now()
	code := &storage.AuthorizationCode{
		Code:                oauthutil.GenerateAuthorizationCode(),
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
		ExpiresAt:           now + h.config.AuthorizationCodeTTL,
		CreatedAt:           now,
	}
	if err := h.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, err
	}

	h.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  client.ClientID,
		IPAddress: security.GetClientIP(ctx),
		Details:   map[string]any{"scope": oauthutil.FormatScopes(scopes)},
	})
	h.logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"pkce_method", method)

	return &AuthorizationResult{
		Success:            true,
		AuthorizationCode:  code.Code,
		RedirectURI:        req.RedirectURI,
		State:              req.State,
		Scopes:             scopes,
		RedirectURITrusted: true,
	}, nil
}

// consentURI echoes the request so the consent page can resume the flow.
func (h *AuthorizationHandler) consentURI(req oauthutil.AuthorizationRequest, scopes []string) string {
	base := h.config.ConsentURI
	if base == "" {
		base = "/consent"
	}

	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("scope", oauthutil.FormatScopes(scopes))
	q.Set("redirect_uri", req.RedirectURI)
	if req.State != "" {
		q.Set("state", req.State)
	}
	if req.CodeChallenge != "" {
		q.Set("code_challenge", req.CodeChallenge)
	}
	if req.CodeChallengeMethod != "" {
		q.Set("code_challenge_method", req.CodeChallengeMethod)
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
