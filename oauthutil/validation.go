package oauthutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// ResponseTypeCode is the only response type this server issues.
const ResponseTypeCode = "code"

// AuthorizationRequest carries the /authorize query parameters.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidationResult is the outcome of a structural check. Valid results
// carry a nil Error.
type ValidationResult struct {
	Valid bool
	Error *Error
}

func invalid(code, description string) ValidationResult {
	return ValidationResult{Error: NewError(code, description)}
}

// ValidateAuthorizationRequest performs the structural checks on an
// authorization request. It never panics and never returns a Go error.
func ValidateAuthorizationRequest(req AuthorizationRequest) ValidationResult {
	if req.ResponseType == "" {
		return invalid(ErrorCodeInvalidRequest, "response_type is required")
	}
	if req.ResponseType != ResponseTypeCode {
		return invalid(ErrorCodeInvalidRequest, "response_type must be 'code'")
	}
	if req.ClientID == "" {
		return invalid(ErrorCodeInvalidRequest, "client_id is required")
	}
	if req.RedirectURI == "" {
		return invalid(ErrorCodeInvalidRequest, "redirect_uri is required")
	}
	if req.CodeChallengeMethod != "" {
		if req.CodeChallenge == "" {
			return invalid(ErrorCodeInvalidRequest, "code_challenge_method requires code_challenge")
		}
		if req.CodeChallengeMethod != PKCEMethodS256 && req.CodeChallengeMethod != PKCEMethodPlain {
			return invalid(ErrorCodeInvalidRequest,
				fmt.Sprintf("unsupported code_challenge_method: %s", req.CodeChallengeMethod))
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateRedirectURI reports whether redirectURI is byte-for-byte equal to
// one of the registered URIs. No normalization or prefix matching is done.
func ValidateRedirectURI(registered []string, redirectURI string) bool {
	for _, uri := range registered {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ComputeS256Challenge returns base64url(SHA-256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE checks a code_verifier against the stored challenge. An empty
// method means "plain" (RFC 7636 Section 4.3). Every failure is reported as
// invalid_grant with a description mentioning PKCE.
func VerifyPKCE(verifier, challenge, method string) *Error {
	if verifier == "" {
		return NewError(ErrorCodeInvalidGrant, "PKCE verification failed: code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return NewError(ErrorCodeInvalidGrant,
			fmt.Sprintf("PKCE verification failed: code_verifier must be %d-%d characters",
				MinCodeVerifierLength, MaxCodeVerifierLength))
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return NewError(ErrorCodeInvalidGrant, "PKCE verification failed: code_verifier contains invalid characters")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = ComputeS256Challenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return NewError(ErrorCodeInvalidGrant,
			fmt.Sprintf("PKCE verification failed: unsupported code_challenge_method %s", method))
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return NewError(ErrorCodeInvalidGrant, "PKCE verification failed: code_verifier does not match code_challenge")
	}
	return nil
}
