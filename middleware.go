package oauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

// ValidateToken is middleware that accepts requests carrying a live Bearer
// access token and stores its TokenInfo in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.ipExtractor.ClientIP(r)
		r = r.WithContext(security.WithClientIP(r.Context(), clientIP))
		security.SetSecurityHeaders(w, h.issuer())

		if h.ipRateLimited(w, r, clientIP, "resource") {
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			h.writeError(w, ErrInvalidToken("Missing or malformed Bearer token"))
			return
		}

		at, err := h.server.Core.Tokens.ValidateAccessToken(r.Context(), token)
		if err != nil {
			var perr *server.ProtocolError
			if errors.As(err, &perr) {
				h.logger.Debug("Token validation failed", "ip", clientIP, "reason", perr.Description)
				h.writeError(w, ErrInvalidToken(perr.Description))
				return
			}
			h.serverError(w, r, "Token validation failed", err)
			return
		}

		if h.userRateLimited(w, r, at.UserID, clientIP) {
			return
		}

		info := &TokenInfo{
			ClientID:  at.ClientID,
			UserID:    at.UserID,
			Scopes:    at.Scopes,
			ExpiresAt: at.ExpiresAt,
		}
		next.ServeHTTP(w, r.WithContext(ContextWithTokenInfo(r.Context(), info)))
	})
}

// userRateLimited applies the per-user limit on routes behind ValidateToken.
func (h *Handler) userRateLimited(w http.ResponseWriter, r *http.Request, userID, clientIP string) bool {
	if h.server.UserRateLimiter == nil || h.server.UserRateLimiter.Allow(userID) {
		return false
	}

	h.logger.Warn("User rate limit exceeded", "ip", clientIP)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "user")
	h.server.Auditor.LogRateLimitExceeded(clientIP, userID)
	w.Header().Set("Retry-After", rateLimitRetryAfter)
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded for user. Please try again later."))
	return true
}

// RequireScopes returns middleware that rejects requests whose token lacks
// any of scopes with 403 insufficient_scope. Chain it after ValidateToken.
func (h *Handler) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok {
				h.writeError(w, ErrInvalidToken("Missing or malformed Bearer token"))
				return
			}
			if !oauthutil.IsScopeSubset(scopes, info.Scopes) {
				desc := "Token lacks required scopes"
				w.Header().Set("WWW-Authenticate",
					h.formatWWWAuthenticate(strings.Join(scopes, " "), ErrorCodeInsufficientScope, desc))
				writeJSON(w, http.StatusForbidden, ErrInsufficientScope(desc).Response())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
