package cli

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/security"
)

// healthPath answers liveness checks.
const healthPath = "/healthz"

// newRouter mounts the OAuth endpoints on a gorilla/mux router. Every
// response carries an X-Request-ID.
func newRouter(h *oauth.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(security.RequestIDMiddleware)

	r.HandleFunc(oauth.EndpointAuthorize, h.ServeAuthorization).Methods(http.MethodGet)
	r.HandleFunc(oauth.EndpointToken, h.ServeToken).Methods(http.MethodPost)
	r.HandleFunc(oauth.EndpointRevoke, h.ServeTokenRevocation).Methods(http.MethodPost)
	r.HandleFunc(oauth.EndpointRegister, h.ServeClientRegistration).Methods(http.MethodPost)
	r.HandleFunc(oauth.EndpointConsent, h.ServeConsent).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(oauth.EndpointConsentRevoke, h.ServeConsentRevoke).Methods(http.MethodPost)
	r.HandleFunc(oauth.EndpointAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata).Methods(http.MethodGet)
	r.HandleFunc(oauth.EndpointProtectedResourceMetadata, h.ServeProtectedResourceMetadata).Methods(http.MethodGet)

	r.HandleFunc(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}
