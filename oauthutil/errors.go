package oauthutil

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2) plus the provider-specific
// consent_required code.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeConsentRequired      = "consent_required"

	// RFC 6750 and RFC 7591 codes used outside the core taxonomy
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// Error is a protocol-level rejection. It is returned as a value inside
// handler results and never used for infrastructure failures.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	ConsentURI  string `json:"consent_uri,omitempty"`
}

// Error implements the error interface so protocol errors can be logged and
// wrapped like any other error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// HTTPStatus maps the error code to the status the HTTP layer answers with:
// 401 for invalid_client and invalid_token, 403 for access_denied, 302 for consent_required
// and 400 for everything else.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeConsentRequired:
		return http.StatusFound
	default:
		return http.StatusBadRequest
	}
}
