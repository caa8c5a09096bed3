package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/security"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Runs the HTTP authorization server until SIGINT or SIGTERM.

The storage and consent backends, rate limits, audit publishing and token
cleanup follow the configuration file and MCP_AUTH_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.HTTP.ListenAddress = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.HTTP.ListenAddress)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.ListenAddress, err)
			}
			return runServer(ctx, cfg, logger, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides http.listen_address")
	return cmd
}

// runServer serves on ln until ctx is done, then drains in-flight requests
// and releases every backend.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := app.backends.Close(); err != nil {
			logger.Error("Failed to close backends", "error", err)
		}
	}()

	httpServer := &http.Server{
		Handler:           newRouter(app.handler),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	app.server.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"address", ln.Addr().String(),
			"issuer", cfg.OAuth.Issuer,
			"storage", cfg.Storage.Backend,
			"consent", cfg.Consent.Backend)
		errCh <- httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}

// app is the wired server with everything that must be released on exit.
type app struct {
	server   *oauth.Server
	handler  *oauth.Handler
	backends *backends
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	oauthCfg, err := cfg.OAuthServerConfig(logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	srv, err := oauth.NewServer(b.Store, b.Consents, oauthCfg)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	b.instrument(srv.Instrumentation)

	if cfg.Audit.AMQPURL != "" {
		sink, err := security.NewAMQPSink(security.AMQPSinkConfig{
			URL:              cfg.Audit.AMQPURL,
			Exchange:         cfg.Audit.Exchange,
			RoutingKeyPrefix: cfg.Audit.RoutingKeyPrefix,
		})
		if err != nil {
			_ = srv.Shutdown(ctx)
			_ = b.Close()
			return nil, fmt.Errorf("failed to connect audit sink: %w", err)
		}
		srv.AddAuditSink(sink)
		logger.Info("Publishing audit events", "exchange", cfg.Audit.Exchange)
	}

	handler := oauth.NewHandler(srv, oauth.HeaderUserResolver{Header: cfg.Security.UserHeader})
	return &app{server: srv, handler: handler, backends: b}, nil
}
