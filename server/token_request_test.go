package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/mock"
)

// exchangeRequest builds a code exchange for reg on testRedirectURI.
func exchangeRequest(reg *Registration, code, verifier string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
	}
}

func requireTokenError(t *testing.T, res *TokenResult, err error, code string) *ProtocolError {
	t.Helper()
	if err != nil {
		t.Fatalf("HandleTokenRequest() error = %v", err)
	}
	if res.Success || res.Response != nil {
		t.Fatalf("expected failure, got %+v", res.Response)
	}
	if res.Error == nil || res.Error.Code != code {
		t.Fatalf("Error = %v, want %s", res.Error, code)
	}
	return res.Error
}

func TestTokenRequestHandler_ExchangeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read", "write")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read write")

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	if err != nil {
		t.Fatalf("HandleTokenRequest() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("exchange failed: %v", res.Error)
	}
	resp := res.Response
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 || resp.Scope != "read write" {
		t.Errorf("response = %+v", resp)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected access and refresh tokens")
	}
	if !ts.containsAuditEvent(security.EventTokenIssued) {
		t.Error("expected token_issued audit event")
	}

	at, err := ts.Tokens.ValidateAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if at.UserID != testUserID {
		t.Errorf("UserID = %q", at.UserID)
	}

	// Replay
	res, err = ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)
	if !ts.containsAuditEvent(security.EventAuthFailure) {
		t.Error("expected auth_failure audit event")
	}
}

func TestTokenRequestHandler_UnknownCodeIsNotReuse(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, "never-issued", "verifier"))
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)
	if ts.containsAuditEvent(security.EventAuthorizationCodeReuseDetected) {
		t.Error("unknown code must not be reported as reuse")
	}
	if !ts.containsAuditEvent(security.EventAuthFailure) {
		t.Error("expected auth_failure audit event")
	}
}

func TestTokenRequestHandler_LostConsumeRaceIsReuse(t *testing.T) {
	ctx := context.Background()
	store := mock.New()
	ts := newTestServer(t, nil, store)

	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	ts.SetInstrumentation(inst)

	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

	// Another request redeems the code between lookup and consume.
	store.ConsumeAuthorizationCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)
	if !ts.containsAuditEvent(security.EventAuthorizationCodeReuseDetected) {
		t.Error("expected authorization_code_reuse_detected audit event")
	}

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "server.exchange_authorization_code" {
			continue
		}
		found = true
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		if !attrs[instrumentation.AttrCodeReuse].AsBool() {
			t.Error("exchange span is not flagged as code reuse")
		}
		if got := attrs[instrumentation.AttrPKCEMethod].AsString(); got != oauthutil.PKCEMethodS256 {
			t.Errorf("pkce method attribute = %q, want S256", got)
		}
	}
	if !found {
		t.Fatal("no exchange span recorded")
	}
}

func TestTokenRequestHandler_PublicClientExchange(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerPublic(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	if err != nil || !res.Success {
		t.Fatalf("HandleTokenRequest() = %+v, %v", res, err)
	}
}

func TestTokenRequestHandler_ExchangeFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(t *testing.T, ts *testServer, req *TokenRequest)
		wantCode string
		wantDesc string
	}{
		{
			name:     "missing code",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.Code = "" },
			wantCode: oauthutil.ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown code",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.Code = "bogus" },
			wantCode: oauthutil.ErrorCodeInvalidGrant,
			wantDesc: "Invalid authorization code",
		},
		{
			name:     "wrong secret",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.ClientSecret = "wrong" },
			wantCode: oauthutil.ErrorCodeInvalidClient,
			wantDesc: clientAuthFailed,
		},
		{
			name:     "missing secret",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.ClientSecret = "" },
			wantCode: oauthutil.ErrorCodeInvalidClient,
			wantDesc: clientAuthFailed,
		},
		{
			name: "code issued to another client",
			mutate: func(t *testing.T, ts *testServer, req *TokenRequest) {
				other := ts.registerConfidential(t)
				req.ClientID = other.Client.ClientID
				req.ClientSecret = other.ClientSecret
			},
			wantCode: oauthutil.ErrorCodeInvalidClient,
			wantDesc: clientAuthFailed,
		},
		{
			name:     "redirect uri mismatch",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.RedirectURI = "http://localhost:8080/other" },
			wantCode: oauthutil.ErrorCodeInvalidGrant,
			wantDesc: "redirect_uri does not match the authorization request",
		},
		{
			name:     "missing redirect uri",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.RedirectURI = "" },
			wantCode: oauthutil.ErrorCodeInvalidGrant,
		},
		{
			name:     "missing verifier",
			mutate:   func(_ *testing.T, _ *testServer, req *TokenRequest) { req.CodeVerifier = "" },
			wantCode: oauthutil.ErrorCodeInvalidGrant,
		},
		{
			name: "verifier off by one byte",
			mutate: func(_ *testing.T, _ *testServer, req *TokenRequest) {
				last := req.CodeVerifier[len(req.CodeVerifier)-1]
				replacement := byte('A')
				if last == 'A' {
					replacement = 'B'
				}
				req.CodeVerifier = req.CodeVerifier[:len(req.CodeVerifier)-1] + string(replacement)
			},
			wantCode: oauthutil.ErrorCodeInvalidGrant,
			wantDesc: "PKCE verification failed: code_verifier does not match code_challenge",
		},
		{
			name: "expired code",
			mutate: func(_ *testing.T, ts *testServer, _ *TokenRequest) {
				ts.clock.Advance(DefaultAuthorizationCodeTTL * time.Second)
			},
			wantCode: oauthutil.ErrorCodeInvalidGrant,
			wantDesc: "Authorization code expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, nil)
			reg := ts.registerConfidential(t)
			ts.grantConsent(t, reg.Client.ClientID, "read")
			code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

			req := exchangeRequest(reg, code, verifier)
			tt.mutate(t, ts, &req)

			res, err := ts.TokenRequests.HandleTokenRequest(ctx, req)
			perr := requireTokenError(t, res, err, tt.wantCode)
			if tt.wantDesc != "" && perr.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", perr.Description, tt.wantDesc)
			}
		})
	}
}

func TestTokenRequestHandler_ExpiredCodeIsDeleted(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

	ts.clock.Advance((DefaultAuthorizationCodeTTL + 1) * time.Second)
	res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)

	if _, err := ts.store.GetAuthorizationCode(ctx, code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expired code should be deleted, GetAuthorizationCode() error = %v", err)
	}
}

func TestTokenRequestHandler_FailedPKCEDoesNotBurnCode(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

	bad := exchangeRequest(reg, code, strings.Repeat("x", 43))
	res, err := ts.TokenRequests.HandleTokenRequest(ctx, bad)
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)
	if !ts.containsAuditEvent(security.EventPKCEValidationFailed) {
		t.Error("expected pkce_validation_failed audit event")
	}

	res, err = ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
	if err != nil || !res.Success {
		t.Fatalf("correct verifier after a failed attempt = %+v, %v", res, err)
	}
}

func TestTokenRequestHandler_VerifierWithoutChallenge(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")

	res, err := ts.Authorization.HandleAuthorizationRequest(ctx, oauthutil.AuthorizationRequest{
		ResponseType: "code",
		ClientID:     reg.Client.ClientID,
		RedirectURI:  testRedirectURI,
		Scope:        "read",
	}, testUserID)
	if err != nil || !res.Success {
		t.Fatalf("HandleAuthorizationRequest() = %+v, %v", res, err)
	}

	tokenRes, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, res.AuthorizationCode, strings.Repeat("a", 43)))
	requireTokenError(t, tokenRes, err, oauthutil.ErrorCodeInvalidGrant)

	// Without a verifier the exchange succeeds
	tokenRes, err = ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, res.AuthorizationCode, ""))
	if err != nil || !tokenRes.Success {
		t.Fatalf("exchange without PKCE = %+v, %v", tokenRes, err)
	}
}

func TestTokenRequestHandler_PlainPKCEExchange(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerPublic(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")

	verifier := strings.Repeat("p", 64)
	res, err := ts.Authorization.HandleAuthorizationRequest(ctx, oauthutil.AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            reg.Client.ClientID,
		RedirectURI:         testRedirectURI,
		Scope:               "read",
		CodeChallenge:       verifier,
		CodeChallengeMethod: oauthutil.PKCEMethodPlain,
	}, testUserID)
	if err != nil || !res.Success {
		t.Fatalf("HandleAuthorizationRequest() = %+v, %v", res, err)
	}

	tokenRes, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, res.AuthorizationCode, verifier))
	if err != nil || !tokenRes.Success {
		t.Fatalf("plain exchange = %+v, %v", tokenRes, err)
	}
}

func TestTokenRequestHandler_ConcurrentExchange(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	ts.grantConsent(t, reg.Client.ClientID, "read")
	code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

	const workers = 10
	var wg sync.WaitGroup
	var successes, failures atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
			switch {
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case res.Success:
				successes.Add(1)
			case res.Error.Code == oauthutil.ErrorCodeInvalidGrant:
				failures.Add(1)
			default:
				t.Errorf("unexpected error code %s", res.Error.Code)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successful exchanges = %d, want exactly 1", successes.Load())
	}
	if failures.Load() != workers-1 {
		t.Errorf("failed exchanges = %d, want %d", failures.Load(), workers-1)
	}
}

func TestTokenRequestHandler_GrantDispatch(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{})
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidRequest)

	res, err = ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{GrantType: "password"})
	requireTokenError(t, res, err, oauthutil.ErrorCodeUnsupportedGrantType)

	cfg := testConfig()
	cfg.AllowedGrantTypes = []string{GrantTypeAuthorizationCode}
	restricted := newTestServer(t, cfg, nil)
	res, err = restricted.TokenRequests.HandleTokenRequest(ctx, TokenRequest{GrantType: GrantTypeClientCredentials})
	requireTokenError(t, res, err, oauthutil.ErrorCodeUnsupportedGrantType)
}

func TestTokenRequestHandler_RefreshTokenGrant(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	reg := ts.registerConfidential(t)
	tokens := ts.issueTokens(t, reg, "read write")

	refresh := func(token, scope string) (*TokenResult, error) {
		return ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: token,
			Scope:        scope,
			ClientID:     reg.Client.ClientID,
			ClientSecret: reg.ClientSecret,
		})
	}

	res, err := refresh("", "")
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidRequest)

	res, err = refresh(tokens.RefreshToken, "read")
	if err != nil || !res.Success {
		t.Fatalf("refresh = %+v, %v", res, err)
	}
	if res.Response.Scope != "read" {
		t.Errorf("Scope = %q, want read", res.Response.Scope)
	}
	if res.Response.RefreshToken == "" || res.Response.RefreshToken == tokens.RefreshToken {
		t.Error("expected a rotated refresh token")
	}

	res, err = refresh(tokens.RefreshToken, "")
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)

	res, err = refresh(freshRefreshToken(t, ts, reg), "admin")
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidScope)
}

// freshRefreshToken issues a fresh refresh token for reg with scope "read".
func freshRefreshToken(t *testing.T, ts *testServer, reg *Registration) string {
	t.Helper()
	issued, err := ts.Tokens.GenerateTokens(context.Background(), reg.Client.ClientID, testUserID, []string{"read"}, true)
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}
	return issued.RefreshToken.Token
}

func TestTokenRequestHandler_RefreshTokenGrant_ClientChecks(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	owner := ts.registerConfidential(t)
	other := ts.registerConfidential(t)
	ccOnly := ts.registerConfidential(t, GrantTypeClientCredentials)
	tokens := ts.issueTokens(t, owner, "read")

	res, err := ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: tokens.RefreshToken,
		ClientID:     owner.Client.ClientID,
		ClientSecret: "wrong",
	})
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidClient)

	res, err = ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: tokens.RefreshToken,
		ClientID:     other.Client.ClientID,
		ClientSecret: other.ClientSecret,
	})
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidGrant)

	res, err = ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: tokens.RefreshToken,
		ClientID:     ccOnly.Client.ClientID,
		ClientSecret: ccOnly.ClientSecret,
	})
	requireTokenError(t, res, err, oauthutil.ErrorCodeUnauthorizedClient)

	// The rejected attempts left the token usable by its owner
	res, err = ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: tokens.RefreshToken,
		ClientID:     owner.Client.ClientID,
		ClientSecret: owner.ClientSecret,
	})
	if err != nil || !res.Success {
		t.Fatalf("owner refresh = %+v, %v", res, err)
	}
}

func TestTokenRequestHandler_ClientCredentials(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, nil, nil)
	machine, err := ts.Clients.RegisterClient(ctx, ClientMetadata{
		ClientName:   "Machine",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{GrantTypeClientCredentials},
		Scope:        "read write",
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	request := func(reg *Registration, scope string) (*TokenResult, error) {
		return ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{
			GrantType:    GrantTypeClientCredentials,
			Scope:        scope,
			ClientID:     reg.Client.ClientID,
			ClientSecret: reg.ClientSecret,
		})
	}

	res, err := request(machine, "")
	if err != nil || !res.Success {
		t.Fatalf("client_credentials = %+v, %v", res, err)
	}
	if res.Response.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if res.Response.Scope != "read write" {
		t.Errorf("Scope = %q, want the registered scope", res.Response.Scope)
	}
	at, err := ts.Tokens.ValidateAccessToken(ctx, res.Response.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != machine.Client.ClientID {
		t.Errorf("UserID = %q, want the client itself", at.UserID)
	}

	res, err = request(machine, "admin")
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidScope)

	res, err = request(ts.registerConfidential(t), "")
	requireTokenError(t, res, err, oauthutil.ErrorCodeUnauthorizedClient)

	res, err = request(ts.registerPublic(t), "")
	requireTokenError(t, res, err, oauthutil.ErrorCodeUnauthorizedClient)

	wrong := *machine
	wrong.ClientSecret = "nope"
	res, err = request(&wrong, "")
	requireTokenError(t, res, err, oauthutil.ErrorCodeInvalidClient)
}

func TestTokenRequestHandler_StorageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("code lookup", func(t *testing.T) {
		store := mock.New()
		store.GetAuthorizationCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
			return nil, errBackend
		}
		ts := newTestServer(t, nil, store)
		_, err := ts.TokenRequests.HandleTokenRequest(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "c"})
		if !errors.Is(err, errBackend) {
			t.Errorf("error = %v, want backend error", err)
		}
	})

	t.Run("code consumption", func(t *testing.T) {
		store := mock.New()
		store.ConsumeAuthorizationCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
			return nil, errBackend
		}
		ts := newTestServer(t, nil, store)
		reg := ts.registerConfidential(t)
		ts.grantConsent(t, reg.Client.ClientID, "read")
		code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

		_, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
		if !errors.Is(err, errBackend) {
			t.Errorf("error = %v, want backend error", err)
		}
	})

	t.Run("token persistence", func(t *testing.T) {
		store := mock.New()
		store.SaveAccessTokenFunc = func(context.Context, *storage.AccessToken) error { return errBackend }
		ts := newTestServer(t, nil, store)
		reg := ts.registerConfidential(t)
		ts.grantConsent(t, reg.Client.ClientID, "read")
		code, verifier := ts.authorize(t, reg.Client.ClientID, "read")

		_, err := ts.TokenRequests.HandleTokenRequest(ctx, exchangeRequest(reg, code, verifier))
		if !errors.Is(err, errBackend) {
			t.Errorf("error = %v, want backend error", err)
		}
	})
}
