package storage

import "errors"

// Sentinel errors returned (usually wrapped) by Store implementations.
// Callers test them with errors.Is.
var (
	// ErrClientNotFound is returned when no client exists for an ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned when a code does not exist
	// or has already been consumed.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound is returned when an access or refresh token does not exist.
	ErrTokenNotFound = errors.New("token not found")

	// ErrConsentNotFound is returned when a user has no live consent for a client.
	ErrConsentNotFound = errors.New("consent not found")
)

// IsNotFound reports whether err is one of the "not found" sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrAuthorizationCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrConsentNotFound)
}
