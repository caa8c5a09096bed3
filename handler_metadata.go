package oauth

import (
	"net/http"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/server"
)

// ServeAuthorizationServerMetadata serves RFC 8414 metadata built from the
// effective configuration.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "metadata", []string{http.MethodGet}, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeJSON(w, http.StatusOK, h.authorizationServerMetadata())
	})
}

func (h *Handler) authorizationServerMetadata() AuthorizationServerMetadata {
	cfg := h.server.Core.Config()

	challengeMethods := []string{oauthutil.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, oauthutil.PKCEMethodPlain)
	}

	md := AuthorizationServerMetadata{
		Issuer:                 cfg.Issuer,
		AuthorizationEndpoint:  h.endpointURL(EndpointAuthorize),
		TokenEndpoint:          h.endpointURL(EndpointToken),
		RevocationEndpoint:     h.endpointURL(EndpointRevoke),
		ScopesSupported:        cfg.SupportedScopes,
		ResponseTypesSupported: []string{oauthutil.ResponseTypeCode},
		GrantTypesSupported:    cfg.AllowedGrantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: challengeMethods,
	}
	if h.server.Config.registrationEnabled() {
		md.RegistrationEndpoint = h.endpointURL(EndpointRegister)
	}
	return md
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the resource
// guarded by ValidateToken. It answers 404 when no resource is configured.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "resource_metadata", []string{http.MethodGet}, func(w http.ResponseWriter, r *http.Request) {
		resource := h.server.Config.Resource
		if resource == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
			Resource:               resource,
			AuthorizationServers:   []string{h.issuer()},
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        h.server.Core.Config().SupportedScopes,
		})
	})
}
