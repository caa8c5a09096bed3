package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-authserver/oauthutil"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = oauthutil.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant          = oauthutil.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient         = oauthutil.ErrorCodeInvalidClient
	ErrorCodeInvalidScope          = oauthutil.ErrorCodeInvalidScope
	ErrorCodeInvalidToken          = oauthutil.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient    = oauthutil.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType  = oauthutil.ErrorCodeUnsupportedGrantType
	ErrorCodeAccessDenied          = oauthutil.ErrorCodeAccessDenied
	ErrorCodeConsentRequired       = oauthutil.ErrorCodeConsentRequired
	ErrorCodeInvalidRedirectURI    = oauthutil.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata = oauthutil.ErrorCodeInvalidClientMetadata
	ErrorCodeInsufficientScope     = "insufficient_scope"
	ErrorCodeServerError           = "server_error"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
	ConsentURI  string // Set for consent_required only
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response returns the JSON body for the error.
func (e *OAuthError) Response() ErrorResponse {
	return ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
		ConsentURI:       e.ConsentURI,
	}
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromProtocolError converts an error value returned by the server package
// into an HTTP error, taking the status from the error code.
func FromProtocolError(perr *oauthutil.Error) *OAuthError {
	return &OAuthError{
		Code:        perr.Code,
		Description: perr.Description,
		Status:      perr.HTTPStatus(),
		ConsentURI:  perr.ConsentURI,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the token lacks a scope the resource requires
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrAccessDenied indicates the resource owner or server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrServerError hides an internal failure from the client
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)
