package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

const (
	// maxBodySize bounds request bodies on every POST endpoint
	maxBodySize = 64 << 10

	// rateLimitRetryAfter is sent with 429 responses, in seconds
	rateLimitRetryAfter = "60"

	// DefaultUserHeader is read by HeaderUserResolver when no header is set
	DefaultUserHeader = "X-Forwarded-User"
)

// UserResolver identifies the end user behind a browser request. An empty
// user ID with a nil error means nobody is signed in.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// UserResolverFunc adapts a function to UserResolver.
type UserResolverFunc func(r *http.Request) (string, error)

// ResolveUser implements UserResolver.
func (f UserResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

// HeaderUserResolver trusts a header set by an authenticating reverse proxy.
// Only use it when the proxy strips the header from client requests.
type HeaderUserResolver struct {
	Header string
}

// ResolveUser implements UserResolver.
func (h HeaderUserResolver) ResolveUser(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	return strings.TrimSpace(r.Header.Get(name)), nil
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the core for every decision.
type Handler struct {
	server      *Server
	users       UserResolver
	logger      *slog.Logger
	ipExtractor security.ClientIPExtractor
}

// NewHandler creates a new HTTP handler. A nil users resolver treats every
// browser request as anonymous, which makes /authorize and /consent answer
// access_denied.
func NewHandler(srv *Server, users UserResolver) *Handler {
	if users == nil {
		users = UserResolverFunc(func(*http.Request) (string, error) { return "", nil })
	}
	return &Handler{
		server:      srv,
		users:       users,
		logger:      srv.Logger(),
		ipExtractor: srv.Config.ipExtractor(),
	}
}

// RegisterRoutes registers every endpoint on mux at the paths in the
// Endpoint* constants.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(EndpointAuthorize, h.ServeAuthorization)
	mux.HandleFunc(EndpointToken, h.ServeToken)
	mux.HandleFunc(EndpointRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(EndpointRegister, h.ServeClientRegistration)
	mux.HandleFunc(EndpointConsent, h.ServeConsent)
	mux.HandleFunc(EndpointConsentRevoke, h.ServeConsentRevoke)
	mux.HandleFunc(EndpointAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(EndpointProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
}

func (h *Handler) issuer() string {
	return h.server.Core.Config().Issuer
}

// endpointURL returns the absolute URL of an endpoint path.
func (h *Handler) endpointURL(path string) string {
	return strings.TrimSuffix(h.issuer(), "/") + path
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// serve runs fn inside a span with the client IP in the context, enforces
// the allowed method and the per-IP rate limit, and records HTTP metrics.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, methods []string, fn func(http.ResponseWriter, *http.Request)) {
	start := time.Now()
	inst := h.server.Instrumentation

	ctx, span := inst.Tracer("http").Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()

	clientIP := h.ipExtractor.ClientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)
	if inst.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	security.SetSecurityHeaders(rec, h.issuer())

	switch {
	case !methodAllowed(r.Method, methods):
		rec.Header().Set("Allow", strings.Join(methods, ", "))
		http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
	case h.ipRateLimited(rec, r, clientIP, endpoint):
	default:
		fn(rec, r)
	}

	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
	if rec.status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(rec.status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, float64(time.Since(start).Microseconds())/1000)
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// ipRateLimited answers 429 and returns true when clientIP is over its budget.
func (h *Handler) ipRateLimited(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	h.server.Auditor.LogEvent(security.Event{
		Type:      security.EventRateLimitExceeded,
		IPAddress: clientIP,
		Details:   map[string]any{"endpoint": endpoint},
	})
	w.Header().Set("Retry-After", rateLimitRetryAfter)
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// ServeAuthorization handles GET /authorize. The user is resolved first;
// everything else is decided by the core AuthorizationHandler.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "authorize", []string{http.MethodGet}, h.serveAuthorization)
}

func (h *Handler) serveAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	req := oauthutil.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	userID, err := h.users.ResolveUser(r)
	if err != nil {
		h.serverError(w, r, "Failed to resolve user", err)
		return
	}

	res, err := h.server.Core.Authorization.HandleAuthorizationRequest(ctx, req, userID)
	if err != nil {
		h.serverError(w, r, "Authorization request failed", err)
		return
	}

	if res.Error == nil {
		http.Redirect(w, r, withQuery(res.RedirectURI, url.Values{
			"code":  {res.AuthorizationCode},
			"state": optional(res.State),
		}), http.StatusFound)
		return
	}

	perr := res.Error
	if !res.RedirectURITrusted {
		oerr := FromProtocolError(perr)
		if oerr.Status == http.StatusFound {
			oerr.Status = http.StatusBadRequest
		}
		h.writeError(w, oerr)
		return
	}

	if perr.Code == ErrorCodeConsentRequired && h.server.Config.RedirectToConsent && perr.ConsentURI != "" {
		http.Redirect(w, r, perr.ConsentURI, http.StatusFound)
		return
	}

	params := url.Values{
		"error":             {perr.Code},
		"error_description": optional(perr.Description),
		"consent_uri":       optional(perr.ConsentURI),
		"state":             optional(req.State),
	}
	http.Redirect(w, r, withQuery(req.RedirectURI, params), http.StatusFound)
}

// withQuery appends params to rawURL, keeping any query it already has.
func withQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func optional(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// tokenRequestBody is the JSON form of a token request.
type tokenRequestBody struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// ServeToken handles POST /token with a form or JSON body.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "token", []string{http.MethodPost}, h.serveToken)
}

func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	security.SetNoStore(w)

	body, err := h.parseTokenRequest(w, r)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := server.TokenRequest{
		GrantType:    body.GrantType,
		Code:         body.Code,
		RedirectURI:  body.RedirectURI,
		CodeVerifier: body.CodeVerifier,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
	}
	if oerr := applyBasicAuth(r, &req.ClientID, &req.ClientSecret); oerr != nil {
		h.writeError(w, oerr)
		return
	}

	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	res, err := h.server.Core.TokenRequests.HandleTokenRequest(r.Context(), req)
	if err != nil {
		h.serverError(w, r, "Token request failed", err)
		return
	}
	if res.Error != nil {
		h.writeError(w, FromProtocolError(res.Error))
		return
	}
	writeJSON(w, http.StatusOK, res.Response)
}

func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (*tokenRequestBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if isJSON(r) {
		var body tokenRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		return &body, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &tokenRequestBody{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}, nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// applyBasicAuth takes client credentials from HTTP Basic auth when present.
// They win over body credentials; a body client_id naming another client is
// rejected.
func applyBasicAuth(r *http.Request, clientID, clientSecret *string) *OAuthError {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	// RFC 6749 Section 2.3.1: both parts are form-urlencoded
	id, err := url.QueryUnescape(user)
	if err != nil {
		return ErrInvalidClient("Client authentication failed")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return ErrInvalidClient("Client authentication failed")
	}
	if *clientID != "" && *clientID != id {
		return ErrInvalidClient("Client authentication failed")
	}
	*clientID, *clientSecret = id, secret
	return nil
}

// ServeTokenRevocation handles POST /revoke (RFC 7009).
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "revoke", []string{http.MethodPost}, h.serveTokenRevocation)
}

func (h *Handler) serveTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	token := r.PostForm.Get("token")
	hint := r.PostForm.Get("token_type_hint")
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if oerr := applyBasicAuth(r, &clientID, &clientSecret); oerr != nil {
		h.writeError(w, oerr)
		return
	}

	if clientID == "" {
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return
	}
	if token == "" {
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	client, err := h.server.Core.Clients.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.writeCoreError(w, r, "Client authentication failed", err)
		return
	}

	if err := h.server.Core.Tokens.RevokeToken(ctx, token, client.ClientID, hint); err != nil {
		h.writeCoreError(w, r, "Failed to revoke token", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "register", []string{http.MethodPost}, h.serveClientRegistration)
}

func (h *Handler) serveClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.server.Config

	if !cfg.registrationEnabled() {
		h.writeError(w, ErrAccessDenied("Client registration is disabled"))
		return
	}
	if !cfg.Security.AllowPublicClientRegistration && !h.validRegistrationToken(r.Header.Get("Authorization")) {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: security.GetClientIP(ctx),
			Details:   map[string]any{"reason": "invalid_registration_token"},
		})
		h.writeError(w, ErrInvalidToken("Registration access token required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidClientMetadata, "Invalid JSON body", http.StatusBadRequest))
		return
	}

	reg, err := h.server.Core.Clients.RegisterClient(ctx, server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Public:                  req.ClientType == server.ClientTypePublic,
	})
	if err != nil {
		h.writeCoreError(w, r, "Client registration failed", err)
		return
	}

	security.SetNoStore(w)
	writeJSON(w, http.StatusCreated, NewClientRegistrationResponse(reg))
}

// validRegistrationToken compares the Bearer token in constant time.
func (h *Handler) validRegistrationToken(authHeader string) bool {
	expected := h.server.Config.Security.RegistrationAccessToken
	if expected == "" {
		return false
	}
	token, ok := bearerToken(authHeader)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func bearerToken(authHeader string) (string, bool) {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeCoreError answers a protocol error from the core with its status and
// anything else with a 500.
func (h *Handler) writeCoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var perr *server.ProtocolError
	if errors.As(err, &perr) {
		h.writeError(w, FromProtocolError(perr))
		return
	}
	h.serverError(w, r, msg, err)
}

// serverError logs err and answers a generic server_error.
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()),
		"ip", security.GetClientIP(r.Context()))
	instrumentation.RecordError(trace.SpanFromContext(r.Context()), err)
	h.writeError(w, ErrServerError("Internal server error"))
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	if oerr.Status == http.StatusUnauthorized {
		if oerr.Code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, h.issuer()))
		} else {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", oerr.Code, oerr.Description))
		}
	}
	writeJSON(w, oerr.Status, oerr.Response())
}

// formatWWWAuthenticate builds a Bearer challenge (RFC 6750 Section 3) that
// points at the protected resource metadata when a resource is configured.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if h.server.Config.Resource != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s"`, h.endpointURL(EndpointProtectedResourceMetadata)))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes a value for an HTTP quoted-string; backslashes first.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// contextKey is unexported to keep context values private to this package.
type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfo describes the access token that authenticated a request.
type TokenInfo struct {
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt int64
}

// TokenInfoFromContext returns the token set by Handler.ValidateToken.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*TokenInfo)
	return info, ok && info != nil
}

// ContextWithTokenInfo stores info in ctx.
func ContextWithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}
