// Package server implements the protocol core of the OAuth 2.1 authorization server.
//
// A Server is built from one storage.Store, one consent.Service and a
// Config, and exposes four components that share them:
//   - ClientManager: registration, lookup, authentication and secret rotation
//   - TokenManager: minting, validation, refresh with rotation, revocation
//   - AuthorizationHandler: the /authorize decision, ending in an
//     authorization code or a consent_required error
//   - TokenRequestHandler: the /token grants (authorization_code,
//     refresh_token, client_credentials)
//
// Protocol failures are values. Handlers return a result carrying a
// *ProtocolError; managers return the *ProtocolError as their error so
// callers can tell it apart from storage failures with errors.As. Any other
// error means the backing store or consent service failed.
//
// Key Features:
//   - PKCE (S256, optionally plain), mandatory for public clients by default
//   - Single-use authorization codes via atomic consumption
//   - Strict one-shot refresh token rotation
//   - bcrypt client secrets with constant-time failure paths
//   - Security audit events and OpenTelemetry spans and metrics
//
// Example usage:
//
//	store := memory.New()
//	consents := consent.NewMemoryService(nil, logger)
//
//	srv, err := server.New(store, consents, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    SupportedScopes: []string{"read", "write"},
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := srv.Authorization.HandleAuthorizationRequest(ctx, req, userID)
package server
