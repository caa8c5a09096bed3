package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

const (
	testUserID      = "user-123"
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "http://localhost:8080/callback"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// syncBuffer lets concurrent tests write logs safely
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	*Server
	store    storage.Store
	consents *consent.MemoryService
	clock    *testutil.MockTime
	logs     *syncBuffer
}

// containsAuditEvent checks if the log output contains an audit event of the given type
func (ts *testServer) containsAuditEvent(eventType string) bool {
	for _, line := range strings.Split(ts.logs.String(), "\n") {
		if strings.Contains(line, "security_audit") && strings.Contains(line, "event_type="+eventType) {
			return true
		}
	}
	return false
}

func testConfig() *Config {
	return &Config{
		Issuer:          testIssuer,
		SupportedScopes: []string{"read", "write", "admin"},
	}
}

// newTestServer builds a server on a memory store with a mock clock and an
// audit log captured in memory. A nil store uses memory.New().
func newTestServer(t *testing.T, cfg *Config, store storage.Store) *testServer {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	if store == nil {
		store = memory.New()
	}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clock := testutil.NewMockTime(testEpoch)
	consents := consent.NewMemoryService(clock, logger)

	srv, err := New(store, consents, cfg, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock)
	srv.SetAuditor(security.NewAuditor(logger, true))
	srv.Clients.bcryptCost = bcrypt.MinCost

	return &testServer{Server: srv, store: store, consents: consents, clock: clock, logs: logs}
}

// registerConfidential registers a confidential client on testRedirectURI.
func (ts *testServer) registerConfidential(t *testing.T, grantTypes ...string) *Registration {
	t.Helper()
	reg, err := ts.Clients.RegisterClient(context.Background(), ClientMetadata{
		ClientName:   "Confidential Client",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   grantTypes,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return reg
}

// registerPublic registers a public client on testRedirectURI.
func (ts *testServer) registerPublic(t *testing.T) *Registration {
	t.Helper()
	reg, err := ts.Clients.RegisterClient(context.Background(), ClientMetadata{
		ClientName:              "Public Client",
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return reg
}

// grantConsent records remembered consent for testUserID.
func (ts *testServer) grantConsent(t *testing.T, clientID string, scopes ...string) {
	t.Helper()
	if err := ts.consents.RecordUserConsent(context.Background(), testUserID, clientID, scopes, nil); err != nil {
		t.Fatalf("RecordUserConsent() error = %v", err)
	}
}

// authorize runs an S256 authorization request for testUserID and returns
// the code and the PKCE verifier. It fails the test unless a code is issued.
func (ts *testServer) authorize(t *testing.T, clientID, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	res, err := ts.Authorization.HandleAuthorizationRequest(context.Background(), oauthutil.AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: oauthutil.PKCEMethodS256,
	}, testUserID)
	if err != nil {
		t.Fatalf("HandleAuthorizationRequest() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("HandleAuthorizationRequest() failed: %v", res.Error)
	}
	return res.AuthorizationCode, verifier
}

// issueTokens runs the full code flow for a confidential client.
func (ts *testServer) issueTokens(t *testing.T, reg *Registration, scope string) *TokenResponse {
	t.Helper()
	ts.grantConsent(t, reg.Client.ClientID, oauthutil.ParseScopes(scope)...)
	code, verifier := ts.authorize(t, reg.Client.ClientID, scope)

	res, err := ts.TokenRequests.HandleTokenRequest(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
	})
	if err != nil {
		t.Fatalf("HandleTokenRequest() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("HandleTokenRequest() failed: %v", res.Error)
	}
	return res.Response
}

// requireProtocolError asserts err is a *ProtocolError with the given code.
func requireProtocolError(t *testing.T, err error, code string) *ProtocolError {
	t.Helper()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolError %s", err, code)
	}
	if perr.Code != code {
		t.Fatalf("error code = %q (%s), want %q", perr.Code, perr.Description, code)
	}
	return perr
}

var errBackend = errors.New("backend unavailable")
