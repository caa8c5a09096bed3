package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Consent statuses returned by the consent endpoints
const (
	ConsentStatusApproved = "approved"
	ConsentStatusDenied   = "denied"
	ConsentStatusRevoked  = "revoked"
)

// ConsentPrompt is what GET /consent returns so a consent page can render
// the pending request.
type ConsentPrompt struct {
	ClientID            string   `json:"client_id"`
	ClientName          string   `json:"client_name,omitempty"`
	Scopes              []string `json:"scopes"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

// ServeConsent handles the consent URI. GET describes the pending request,
// POST records the user's decision.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "consent", []string{http.MethodGet, http.MethodPost}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.serveConsentPrompt(w, r)
			return
		}
		h.serveConsentDecision(w, r)
	})
}

// ServeConsentRevoke handles POST /consent/revoke.
func (h *Handler) ServeConsentRevoke(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "consent_revoke", []string{http.MethodPost}, h.serveConsentRevoke)
}

func (h *Handler) serveConsentPrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, ok := h.consentClient(w, r, q.Get("client_id"), q.Get("redirect_uri"))
	if !ok {
		return
	}

	scopes := oauthutil.ParseScopes(q.Get("scope"))
	if len(scopes) == 0 {
		scopes = oauthutil.ParseScopes(client.Scope)
	}
	writeJSON(w, http.StatusOK, ConsentPrompt{
		ClientID:            client.ClientID,
		ClientName:          client.ClientName,
		Scopes:              scopes,
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	security.SetNoStore(w)

	req, err := parseConsentRequest(w, r)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	client, ok := h.consentClient(w, r, req.ClientID, req.RedirectURI)
	if !ok {
		return
	}

	switch req.Decision {
	case ConsentDecisionDeny:
		h.server.Auditor.LogConsent(security.EventConsentDenied, userID, client.ClientID, req.Scopes)
		h.server.Instrumentation.Metrics().RecordConsentDecision(ctx, ConsentDecisionDeny)
		instrumentation.AddConsentAttributes(trace.SpanFromContext(ctx), ConsentDecisionDeny, nil)

		resp := ConsentResponse{
			Status:           ConsentStatusDenied,
			Error:            ErrorCodeAccessDenied,
			ErrorDescription: "The user denied the authorization request",
		}
		if req.RedirectURI != "" {
			resp.RedirectURI = withQuery(req.RedirectURI, url.Values{
				"error":             {ErrorCodeAccessDenied},
				"error_description": {resp.ErrorDescription},
				"state":             optional(req.State),
			})
		}
		writeJSON(w, http.StatusOK, resp)

	case ConsentDecisionApprove:
		if len(req.Scopes) == 0 {
			h.writeError(w, ErrInvalidRequest("scopes is required"))
			return
		}
		approved := []string(req.Scopes)
		if req.ApprovedScopes != nil {
			if !oauthutil.IsScopeSubset(*req.ApprovedScopes, req.Scopes) {
				h.writeError(w, ErrInvalidScope("approved_scopes must be a subset of scopes"))
				return
			}
			approved = *req.ApprovedScopes
		}
		if len(approved) == 0 {
			h.writeError(w, ErrInvalidScope("No scopes approved"))
			return
		}
		if req.TTLSeconds < 0 {
			h.writeError(w, ErrInvalidRequest("ttl_seconds must not be negative"))
			return
		}

		opts := &consent.Options{Remember: true, TTLSeconds: req.TTLSeconds}
		if req.RememberDecision != nil {
			opts.Remember = *req.RememberDecision
		}
		if err := h.server.Core.Consents().RecordUserConsent(ctx, userID, client.ClientID, approved, opts); err != nil {
			h.serverError(w, r, "Failed to record consent", err)
			return
		}
		h.server.Auditor.LogConsent(security.EventConsentGranted, userID, client.ClientID, approved)
		h.server.Instrumentation.Metrics().RecordConsentDecision(ctx, ConsentDecisionApprove)
		instrumentation.AddConsentAttributes(trace.SpanFromContext(ctx), ConsentDecisionApprove, &opts.Remember)

		resp := ConsentResponse{
			Status:          ConsentStatusApproved,
			ConsentedScopes: approved,
			Remember:        req.RememberDecision,
			TTLSeconds:      req.TTLSeconds,
		}
		if req.RedirectURI != "" {
			resp.RedirectURI = h.resumeAuthorizationURL(req, approved)
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		h.writeError(w, ErrInvalidRequest("decision must be approve or deny"))
	}
}

// resumeAuthorizationURL rebuilds the /authorize request the consent page
// was reached from, narrowed to the approved scopes.
func (h *Handler) resumeAuthorizationURL(req *ConsentRequest, approved []string) string {
	return withQuery(h.endpointURL(EndpointAuthorize), url.Values{
		"response_type":         {oauthutil.ResponseTypeCode},
		"client_id":             {req.ClientID},
		"redirect_uri":          {req.RedirectURI},
		"scope":                 {oauthutil.FormatScopes(approved)},
		"state":                 optional(req.State),
		"code_challenge":        optional(req.CodeChallenge),
		"code_challenge_method": optional(req.CodeChallengeMethod),
	})
}

func (h *Handler) serveConsentRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	security.SetNoStore(w)

	req, err := parseConsentRequest(w, r)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if req.ClientID == "" {
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	consents := h.server.Core.Consents()
	scopes := []string(req.Scopes)
	if len(scopes) == 0 {
		rec, err := consents.GetConsent(ctx, userID, req.ClientID)
		switch {
		case errors.Is(err, storage.ErrConsentNotFound):
			writeJSON(w, http.StatusOK, ConsentRevokeResponse{Status: ConsentStatusRevoked, RevokedScopes: []string{}})
			return
		case err != nil:
			h.serverError(w, r, "Failed to load consent", err)
			return
		}
		scopes = rec.Scopes
	}

	if err := consents.RevokeConsent(ctx, userID, req.ClientID, scopes); err != nil {
		h.serverError(w, r, "Failed to revoke consent", err)
		return
	}
	h.server.Auditor.LogConsent(security.EventConsentRevoked, userID, req.ClientID, scopes)
	h.server.Instrumentation.Metrics().RecordConsentDecision(ctx, ConsentStatusRevoked)

	writeJSON(w, http.StatusOK, ConsentRevokeResponse{Status: ConsentStatusRevoked, RevokedScopes: scopes})
}

// requireUser resolves the signed-in user or answers access_denied.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.users.ResolveUser(r)
	if err != nil {
		h.serverError(w, r, "Failed to resolve user", err)
		return "", false
	}
	if userID == "" {
		h.writeError(w, ErrAccessDenied("User authentication required"))
		return "", false
	}
	return userID, true
}

// consentClient loads the client a consent request is about and checks that
// redirectURI, when given, is registered for it.
func (h *Handler) consentClient(w http.ResponseWriter, r *http.Request, clientID, redirectURI string) (*storage.Client, bool) {
	if clientID == "" {
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return nil, false
	}
	client, err := h.server.Core.Clients.GetClient(r.Context(), clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		h.writeError(w, ErrInvalidRequest("Unknown client"))
		return nil, false
	}
	if err != nil {
		h.serverError(w, r, "Failed to load client", err)
		return nil, false
	}
	if redirectURI != "" && !oauthutil.ValidateRedirectURI(client.RedirectURIs, redirectURI) {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client", http.StatusBadRequest))
		return nil, false
	}
	return client, true
}

// parseConsentRequest reads a JSON or form body. Form scopes are space
// delimited; approved_scopes counts as present when the field is sent, even
// empty.
func parseConsentRequest(w http.ResponseWriter, r *http.Request) (*ConsentRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ConsentRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	form := r.PostForm
	req = ConsentRequest{
		ClientID:            form.Get("client_id"),
		Decision:            form.Get("decision"),
		Scopes:              oauthutil.ParseScopes(form.Get("scopes")),
		RedirectURI:         form.Get("redirect_uri"),
		State:               form.Get("state"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
	}
	if form.Has("approved_scopes") {
		approved := ScopeList(oauthutil.ParseScopes(form.Get("approved_scopes")))
		req.ApprovedScopes = &approved
	}
	if v := form.Get("remember_decision"); v != "" {
		remember, err := strconv.ParseBool(v)
		if err != nil {
			return nil, err
		}
		req.RememberDecision = &remember
	}
	if v := form.Get("ttl_seconds"); v != "" {
		ttl, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		req.TTLSeconds = ttl
	}
	return &req, nil
}
