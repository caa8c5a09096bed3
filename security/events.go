package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by its client
	EventTokenRevoked = "token_revoked"

	// EventTokenRevocationDenied is logged when a client tries to revoke a token it does not own
	EventTokenRevocationDenied = "token_revocation_denied" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed or unknown code is presented
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client lifecycle events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientSecretRotated is logged when a confidential client's secret is replaced
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // G101: event type name, not a credential

	// EventClientDeleted is logged when a client registration is removed
	EventClientDeleted = "client_deleted"

	// EventClientRegistrationRejected is logged when client registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// Consent events

	// EventConsentGranted is logged when a user approves scopes for a client
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies a consent request
	EventConsentDenied = "consent_denied"

	// EventConsentRevoked is logged when previously granted scopes are withdrawn
	EventConsentRevoked = "consent_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client attempts a flow without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh requests scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventCrossClientTokenUse is logged when a refresh token is presented by another client
	EventCrossClientTokenUse = "cross_client_token_use" //nolint:gosec // G101: event type name, not a credential
)
