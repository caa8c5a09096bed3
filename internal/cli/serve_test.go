package cli

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/security"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.OAuth.Issuer = "https://auth.example.com"
	cfg.OAuth.SupportedScopes = []string{"read"}
	cfg.CleanupInterval = -1
	return &cfg
}

func TestNewRouter(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), testutil.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.server.Shutdown(context.Background())
		_ = a.backends.Close()
	})
	router := newRouter(a.handler)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: healthPath, wantStatus: http.StatusOK},
		{name: "metadata", method: http.MethodGet, path: oauth.EndpointAuthorizationServerMetadata, wantStatus: http.StatusOK},
		{name: "resource metadata unconfigured", method: http.MethodGet, path: oauth.EndpointProtectedResourceMetadata, wantStatus: http.StatusNotFound},
		{name: "token by GET", method: http.MethodGet, path: oauth.EndpointToken, wantStatus: http.StatusMethodNotAllowed},
		{name: "authorize by POST", method: http.MethodPost, path: oauth.EndpointAuthorize, wantStatus: http.StatusMethodNotAllowed},
		{name: "registration closed", method: http.MethodPost, path: oauth.EndpointRegister, wantStatus: http.StatusForbidden},
		{name: "unknown path", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	t.Run("request id is assigned", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, healthPath, nil))
		assert.NotEmpty(t, w.Header().Get(security.RequestIDHeader))
	})
}

func TestRunServer_GracefulShutdown(t *testing.T) {
	cfg := memoryConfig()
	cfg.CleanupInterval = time.Hour
	cfg.HTTP.ShutdownTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, testutil.DiscardLogger(), ln) }()

	url := "http://" + ln.Addr().String() + healthPath
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestOpenBackends_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := memoryConfig()
	cfg.Storage.Backend = "tape"
	_, err := openBackends(ctx, cfg, testutil.DiscardLogger())
	assert.ErrorContains(t, err, "unknown storage backend")

	cfg = memoryConfig()
	cfg.Consent.Backend = config.ConsentRedis
	cfg.Consent.RedisURL = "not a url"
	_, err = openBackends(ctx, cfg, testutil.DiscardLogger())
	assert.ErrorContains(t, err, "redis")
}
