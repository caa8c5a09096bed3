package oauth

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/server"
)

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata (RFC 9728)
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue tokens for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists the ways Bearer tokens can be sent (RFC 6750)
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ScopesSupported lists the scopes understood by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ConsentURI is where the user can grant the missing consent
	ConsentURI string `json:"consent_uri,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// ClientRegistrationRequest represents a dynamic client registration request (RFC 7591)
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`

	// ClientType "public" registers a client without a secret, the same as
	// token_endpoint_auth_method "none".
	ClientType string `json:"client_type,omitempty"`
}

// ClientRegistrationResponse represents a dynamic client registration response
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	ClientType              string   `json:"client_type,omitempty"`
}

// NewClientRegistrationResponse describes reg, including its one-time secret.
func NewClientRegistrationResponse(reg *server.Registration) ClientRegistrationResponse {
	c := reg.Client
	return ClientRegistrationResponse{
		ClientID:                c.ClientID,
		ClientSecret:            reg.ClientSecret,
		ClientIDIssuedAt:        c.ClientIDIssuedAt,
		ClientSecretExpiresAt:   reg.ClientSecretExpiresAt(),
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		ClientName:              c.ClientName,
		Scope:                   c.Scope,
		ClientType:              server.ClientTypeOf(c),
	}
}

// Consent decisions accepted by the consent endpoint
const (
	ConsentDecisionApprove = "approve"
	ConsentDecisionDeny    = "deny"
)

// ConsentRequest is the body of POST /consent and POST /consent/revoke.
// Form bodies use the same field names with space-delimited scopes.
type ConsentRequest struct {
	ClientID            string     `json:"client_id"`
	Decision            string     `json:"decision,omitempty"`
	Scopes              ScopeList  `json:"scopes,omitempty"`
	ApprovedScopes      *ScopeList `json:"approved_scopes,omitempty"`
	RedirectURI         string     `json:"redirect_uri,omitempty"`
	State               string     `json:"state,omitempty"`
	CodeChallenge       string     `json:"code_challenge,omitempty"`
	CodeChallengeMethod string     `json:"code_challenge_method,omitempty"`
	RememberDecision    *bool      `json:"remember_decision,omitempty"`
	TTLSeconds          int64      `json:"ttl_seconds,omitempty"`
}

// ConsentResponse is the answer to a consent decision.
type ConsentResponse struct {
	Status           string   `json:"status"`
	ConsentedScopes  []string `json:"consented_scopes,omitempty"`
	Remember         *bool    `json:"remember,omitempty"`
	TTLSeconds       int64    `json:"ttl_seconds,omitempty"`
	RedirectURI      string   `json:"redirect_uri,omitempty"`
	Error            string   `json:"error,omitempty"`
	ErrorDescription string   `json:"error_description,omitempty"`
}

// ConsentRevokeResponse is the answer to a consent revocation.
type ConsentRevokeResponse struct {
	Status        string   `json:"status"`
	RevokedScopes []string `json:"revoked_scopes"`
}

// ScopeList decodes either a space-delimited string or a JSON array of
// strings.
type ScopeList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = oauthutil.ParseScopes(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopes must be a string or an array of strings")
	}
	*s = list
	return nil
}
