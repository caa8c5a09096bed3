package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// dummyBcryptHash is compared against when a client does not exist, so the
// response time does not reveal whether a client ID is registered.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// clientAuthFailed is the only description handed out for failed client
// authentication, whatever the actual cause.
const clientAuthFailed = "Client authentication failed"

// ClientMetadata is what a caller supplies to register a client.
type ClientMetadata struct {
	ClientName   string
	RedirectURIs []string
	// GrantTypes defaults to ["authorization_code"]
	GrantTypes []string
	// ResponseTypes defaults to ["code"]
	ResponseTypes []string
	Scope         string
	// TokenEndpointAuthMethod "none" registers a public client. Empty means
	// client_secret_basic unless Public is set.
	TokenEndpointAuthMethod string
	Public                  bool
}

// Registration is a stored client together with its plaintext secret. The
// secret is only available here, right after it was generated.
type Registration struct {
	Client       *storage.Client
	ClientSecret string
}

// ClientSecretExpiresAt returns the secret expiry in unix seconds, 0 for never.
func (r *Registration) ClientSecretExpiresAt() int64 {
	return r.Client.SecretExpiresAt()
}

// ClientManager registers, looks up and authenticates OAuth clients.
type ClientManager struct {
	*deps
	bcryptCost int
}

func (m *ClientManager) cost() int {
	if m.bcryptCost == 0 {
		return bcrypt.DefaultCost
	}
	return m.bcryptCost
}

// ValidateClientMetadata checks registration metadata and returns an
// invalid_redirect_uri or invalid_client_metadata error, or nil.
func (m *ClientManager) ValidateClientMetadata(md ClientMetadata) *ProtocolError {
	if len(md.RedirectURIs) == 0 {
		return oauthutil.NewError(oauthutil.ErrorCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, uri := range md.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" {
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidRedirectURI, "redirect_uri must be an absolute URI")
		}
		if u.Fragment != "" {
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidRedirectURI, "redirect_uri must not contain a fragment")
		}
	}

	public := md.Public || md.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone
	switch md.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata,
			fmt.Sprintf("unsupported token_endpoint_auth_method: %s", md.TokenEndpointAuthMethod))
	}
	if md.Public && md.TokenEndpointAuthMethod != "" && md.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata,
			"public clients must use token_endpoint_auth_method none")
	}

	for _, grant := range md.GrantTypes {
		switch grant {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken:
		case GrantTypeClientCredentials:
			if public {
				return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata,
					"client_credentials requires a confidential client")
			}
		default:
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata,
				fmt.Sprintf("unsupported grant_type: %s", grant))
		}
	}
	for _, rt := range md.ResponseTypes {
		if rt != oauthutil.ResponseTypeCode {
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata,
				fmt.Sprintf("unsupported response_type: %s", rt))
		}
	}
	if len(m.config.SupportedScopes) > 0 {
		if err := oauthutil.ValidateScopes(oauthutil.ParseScopes(md.Scope), m.config.SupportedScopes); err != nil {
			return oauthutil.NewError(oauthutil.ErrorCodeInvalidClientMetadata, err.Error())
		}
	}
	return nil
}

// RegisterClient creates a client, generating a secret unless the metadata
// asks for a public client. Invalid metadata is reported as a
// *ProtocolError; any other error comes from storage or hashing.
func (m *ClientManager) RegisterClient(ctx context.Context, md ClientMetadata) (*Registration, error) {
	ctx, span := m.startSpan(ctx, "register_client")
	defer span.End()

	if perr := m.ValidateClientMetadata(md); perr != nil {
		return nil, perr
	}

	public := md.Public || md.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone
	authMethod := md.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodBasic
		if public {
			authMethod = TokenEndpointAuthMethodNone
		}
	}

	grantTypes := slices.Clone(md.GrantTypes)
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	responseTypes := slices.Clone(md.ResponseTypes)
	if len(responseTypes) == 0 {
		responseTypes = []string{oauthutil.ResponseTypeCode}
	}

	client := &storage.Client{
		ClientID:                oauthutil.GenerateClientID(),
		ClientName:              md.ClientName,
		RedirectURIs:            slices.Clone(md.RedirectURIs),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   md.Scope,
		TokenEndpointAuthMethod: authMethod,
		ClientIDIssuedAt:        m.now(),
	}

	reg := &Registration{Client: client}
	if !public {
		secret, cs, err := m.newSecret()
		if err != nil {
			return nil, err
		}
		client.Secret = cs
		reg.ClientSecret = secret
	}

	if err := m.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypeOf(client)
	m.auditor.LogClientRegistered(client.ClientID, clientType, security.GetClientIP(ctx))
	if metrics := m.metrics(); metrics != nil {
		metrics.RecordClientRegistration(ctx, clientType)
	}
	m.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)
	return reg, nil
}

// newSecret generates a client secret and its stored form.
func (m *ClientManager) newSecret() (string, *storage.ClientSecret, error) {
	secret := oauthutil.GenerateClientSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.cost())
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, &storage.ClientSecret{
		Hash:      string(hash),
		ExpiresAt: oauthutil.ExpiresAt(m.now(), m.config.ClientSecretTTL),
	}, nil
}

// GetClient retrieves a client. Absent clients yield storage.ErrClientNotFound.
func (m *ClientManager) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return m.store.GetClient(ctx, clientID)
}

// DeleteClient removes a client. Deleting an unknown client is not an error.
func (m *ClientManager) DeleteClient(ctx context.Context, clientID string) error {
	if err := m.store.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	m.auditor.LogEvent(security.Event{
		Type:      security.EventClientDeleted,
		ClientID:  clientID,
		IPAddress: security.GetClientIP(ctx),
	})
	m.logger.Info("Deleted OAuth client", "client_id", clientID)
	return nil
}

// ValidateClientExists reports an invalid_client result for unknown clients.
// The error return is reserved for storage failures.
func (m *ClientManager) ValidateClientExists(ctx context.Context, clientID string) (oauthutil.ValidationResult, error) {
	_, err := m.store.GetClient(ctx, clientID)
	switch {
	case err == nil:
		return oauthutil.ValidationResult{Valid: true}, nil
	case errors.Is(err, storage.ErrClientNotFound):
		return oauthutil.ValidationResult{
			Error: oauthutil.NewError(oauthutil.ErrorCodeInvalidClient, "Client not found"),
		}, nil
	default:
		return oauthutil.ValidationResult{}, err
	}
}

// AuthenticateClient checks client credentials for the token and revocation
// endpoints. Public clients are accepted without a secret. Every failure is
// the same invalid_client *ProtocolError so callers cannot tell unknown
// clients from wrong secrets; other errors come from storage.
func (m *ClientManager) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, err
		}
		// Spend the same time as a real comparison
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		return nil, m.authFailure(ctx, clientID, "unknown_client")
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		return nil, m.authFailure(ctx, clientID, "missing_client_secret")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.Secret.Hash), []byte(clientSecret)) != nil {
		return nil, m.authFailure(ctx, clientID, "invalid_client_secret")
	}
	if oauthutil.IsExpiredAt(client.Secret.ExpiresAt, m.now()) {
		return nil, m.authFailure(ctx, clientID, "client_secret_expired")
	}
	return client, nil
}

func (m *ClientManager) authFailure(ctx context.Context, clientID, reason string) *ProtocolError {
	m.auditor.LogAuthFailure("", clientID, security.GetClientIP(ctx), reason)
	m.logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
	return oauthutil.NewError(oauthutil.ErrorCodeInvalidClient, clientAuthFailed)
}

// RotateClientSecret replaces the secret of a confidential client after
// verifying currentSecret. The old secret stops working immediately. Unknown
// clients, public clients and wrong secrets all fail with the same
// invalid_client *ProtocolError.
func (m *ClientManager) RotateClientSecret(ctx context.Context, clientID, currentSecret string) (*Registration, error) {
	ctx, span := m.startSpan(ctx, "rotate_client_secret")
	defer span.End()

	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, err
		}
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(currentSecret))
		return nil, m.authFailure(ctx, clientID, "rotate_unknown_client")
	}
	if client.IsPublic() {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(currentSecret))
		return nil, m.authFailure(ctx, clientID, "rotate_public_client")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.Secret.Hash), []byte(currentSecret)) != nil {
		return nil, m.authFailure(ctx, clientID, "rotate_invalid_secret")
	}

	secret, cs, err := m.newSecret()
	if err != nil {
		return nil, err
	}
	client.Secret = cs
	if err := m.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	m.auditor.LogEvent(security.Event{
		Type:      security.EventClientSecretRotated,
		ClientID:  clientID,
		IPAddress: security.GetClientIP(ctx),
	})
	if metrics := m.metrics(); metrics != nil {
		metrics.RecordClientSecretRotation(ctx)
	}
	m.logger.Info("Rotated client secret", "client_id", clientID)
	return &Registration{Client: client, ClientSecret: secret}, nil
}

// ClientTypeOf returns "public" or "confidential".
func ClientTypeOf(c *storage.Client) string {
	if c.IsPublic() {
		return ClientTypePublic
	}
	return ClientTypeConfidential
}
