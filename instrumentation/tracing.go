package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Only metadata goes into spans. Codes, tokens and client secrets never do:
// traces outlive the credentials they describe and are read by far more
// people than the token store.
const (
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrCodeReuse       = "oauth.code.reuse"
	AttrConsentRequired = "oauth.consent_required"
	AttrTokenRotated    = "oauth.token.rotated" //nolint:gosec // a flag, not a credential

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrConsentDecision = "consent.decision"
	AttrConsentRemember = "consent.remember"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on span and marks it failed (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks a span failed with message, usually an OAuth error
// code (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the client, user and scope of a grant.
// Empty values are skipped.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes records the code_challenge_method, if any.
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// MarkCodeReuse flags a span whose authorization code had already been
// redeemed.
func MarkCodeReuse(span trace.Span) {
	SetSpanAttributes(span, attribute.Bool(AttrCodeReuse, true))
}

// MarkConsentRequired flags an authorization request that stopped because
// the user has not consented yet.
func MarkConsentRequired(span trace.Span) {
	SetSpanAttributes(span, attribute.Bool(AttrConsentRequired, true))
}

// AddTokenRotationAttributes records whether a refresh rotated the token.
func AddTokenRotationAttributes(span trace.Span, rotated bool) {
	SetSpanAttributes(span, attribute.Bool(AttrTokenRotated, rotated))
}

// AddConsentAttributes records a consent decision. remember is only set for
// approvals.
func AddConsentAttributes(span trace.Span, decision string, remember *bool) {
	SetSpanAttributes(span, attribute.String(AttrConsentDecision, decision))
	if remember != nil {
		SetSpanAttributes(span, attribute.Bool(AttrConsentRemember, *remember))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes records the client IP. Client IPs can be personal
// data, so callers check ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
