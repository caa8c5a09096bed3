// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics and traces are emitted through the providers given in Config.
// When instrumentation is disabled, or no providers are supplied, no-op
// providers are used so that the rest of the code can record unconditionally.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-authserver",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider,
//		TracerProvider: tracerProvider,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.authorization.requests{client_id, result}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id, token_type}
//   - oauth.client.registered{client_type}
//   - oauth.client.secret_rotated
//   - oauth.consent.decisions{decision}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.audit.events.total{event_type}
//   - oauth.encryption.operations.total{operation}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.cleanup.removed{storage_type}
//   - storage.clients.count, storage.codes.count,
//     storage.access_tokens.count, storage.refresh_tokens.count
//
// Never record token values, codes or secrets as attributes; see the
// attribute constants in tracing.go.
package instrumentation
