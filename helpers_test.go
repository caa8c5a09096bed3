package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "http://localhost:8080/callback"
	testUserID      = "user-123"
	testUserHeader  = "X-Test-User"
)

type testEnv struct {
	srv      *Server
	handler  *Handler
	mux      *http.ServeMux
	store    *memory.Store
	consents *consent.MemoryService
}

// newTestEnv builds a server with open registration and read/write scopes.
// mutate may adjust the config before the server is created.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	consents := consent.NewMemoryService(nil, testutil.DiscardLogger())
	cfg := &Config{
		Server: &server.Config{
			Issuer:          testIssuer,
			SupportedScopes: []string{"read", "write"},
		},
		Security: SecurityConfig{AllowPublicClientRegistration: true},
		Logger:   testutil.DiscardLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(store, consents, cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := NewHandler(srv, HeaderUserResolver{Header: testUserHeader})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	protected := h.ValidateToken(h.RequireScopes("read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := TokenInfoFromContext(r.Context())
		writeJSON(w, http.StatusOK, info)
	})))
	mux.Handle("/api/resource", protected)

	return &testEnv{srv: srv, handler: h, mux: mux, store: store, consents: consents}
}

func (e *testEnv) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

// register creates a client over HTTP and returns the registration.
func (e *testEnv) register(t *testing.T, req ClientRegistrationRequest) ClientRegistrationResponse {
	t.Helper()

	w := e.do(jsonRequest(t, http.MethodPost, EndpointRegister, req))
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ClientRegistrationResponse
	decodeJSON(t, w, &resp)
	return resp
}

func (e *testEnv) registerConfidential(t *testing.T) ClientRegistrationResponse {
	t.Helper()
	return e.register(t, ClientRegistrationRequest{
		ClientName:   "Test Client",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scope:        "read write",
	})
}

func (e *testEnv) grantConsent(t *testing.T, clientID string, scopes ...string) {
	t.Helper()
	if err := e.consents.RecordUserConsent(context.Background(), testUserID, clientID, scopes, nil); err != nil {
		t.Fatalf("RecordUserConsent() error = %v", err)
	}
}

// authorize runs GET /authorize as testUserID and returns the redirect.
func (e *testEnv) authorize(t *testing.T, params url.Values) *url.URL {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, EndpointAuthorize+"?"+params.Encode(), nil)
	r.Header.Set(testUserHeader, testUserID)
	w := e.do(r)
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	return loc
}

func authorizeParams(clientID, scope, challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {scope},
		"state":                 {"state-xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

// issueCode consents and authorizes, returning a code for reg.
func (e *testEnv) issueCode(t *testing.T, reg ClientRegistrationResponse, scope string) (code, verifier string) {
	t.Helper()

	e.grantConsent(t, reg.ClientID, strings.Fields(scope)...)
	challenge, verifier := testutil.GeneratePKCEPair()
	loc := e.authorize(t, authorizeParams(reg.ClientID, scope, challenge))
	code = loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	return code, verifier
}

func formRequest(method, path string, form url.Values) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func requireErrorResponse(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	if resp.Error != code {
		t.Fatalf("error = %q, want %q (%s)", resp.Error, code, resp.ErrorDescription)
	}
	return resp
}
