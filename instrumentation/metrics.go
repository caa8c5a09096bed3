package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationRequests metric.Int64Counter
	CodeExchanged         metric.Int64Counter
	TokenRefreshed        metric.Int64Counter
	TokenRevoked          metric.Int64Counter
	ClientRegistered      metric.Int64Counter
	ClientSecretRotated   metric.Int64Counter
	ConsentDecisions      metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageCleanupRemoved     metric.Int64Counter
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
}

// instrumentBuilder creates instruments on one meter and remembers the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, description, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, description, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, description, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds", "ms")

	serverB := &instrumentBuilder{meter: inst.Meter("server")}
	m.AuthorizationRequests = serverB.counter("oauth.authorization.requests", "Number of authorization requests by outcome", "{request}")
	m.CodeExchanged = serverB.counter("oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}")
	m.TokenRefreshed = serverB.counter("oauth.token.refreshed", "Number of tokens refreshed", "{refresh}")
	m.TokenRevoked = serverB.counter("oauth.token.revoked", "Number of tokens revoked", "{revocation}")
	m.ClientRegistered = serverB.counter("oauth.client.registered", "Number of clients registered", "{client}")
	m.ClientSecretRotated = serverB.counter("oauth.client.secret_rotated", "Number of client secrets rotated", "{rotation}")

	consentB := &instrumentBuilder{meter: inst.Meter("consent")}
	m.ConsentDecisions = consentB.counter("oauth.consent.decisions", "Number of consent decisions by outcome", "{decision}")

	securityB := &instrumentBuilder{meter: inst.Meter("security")}
	m.RateLimitExceeded = securityB.counter("oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = securityB.counter("oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.CodeReuseDetected = securityB.counter("oauth.code.reuse_detected", "Number of authorization code replay attempts", "{attempt}")
	m.AuditEventsTotal = securityB.counter("oauth.audit.events.total", "Total number of audit events", "{event}")
	m.EncryptionOperationsTotal = securityB.counter("oauth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}")

	storageB := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = storageB.counter("storage.operation.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = storageB.histogram("storage.operation.duration", "Storage operation duration in milliseconds", "ms")
	m.StorageCleanupRemoved = storageB.counter("storage.cleanup.removed", "Number of expired entries removed by cleanup", "{entry}")
	m.StorageClientsCount = storageB.gauge("storage.clients.count", "Number of registered clients", "{client}")
	m.StorageCodesCount = storageB.gauge("storage.codes.count", "Number of outstanding authorization codes", "{code}")
	m.StorageAccessTokensCount = storageB.gauge("storage.access_tokens.count", "Number of stored access tokens", "{token}")
	m.StorageRefreshTokensCount = storageB.gauge("storage.refresh_tokens.count", "Number of stored refresh tokens", "{token}")

	for _, b := range []*instrumentBuilder{httpB, serverB, consentB, securityB, storageB} {
		if b.err != nil {
			return nil, b.err
		}
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records the outcome of an /authorize call.
// result is "success" or an OAuth error code.
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, clientID, result string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordClientSecretRotation records a successful secret rotation
func (m *Metrics) RecordClientSecretRotation(ctx context.Context) {
	m.ClientSecretRotated.Add(ctx, 1)
}

// RecordConsentDecision records a consent approval, denial or revocation
func (m *Metrics) RecordConsentDecision(ctx context.Context, decision string) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code replay attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCleanup records how many expired entries a cleanup pass removed
func (m *Metrics) RecordCleanup(ctx context.Context, storageType string, removed int) {
	m.StorageCleanupRemoved.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("storage_type", storageType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
