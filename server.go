package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Server bundles the protocol core with the HTTP-side collaborators: rate
// limiters, the security auditor, instrumentation and the cleanup janitor.
type Server struct {
	// Core implements the OAuth decisions (clients, tokens, /authorize, /token).
	Core *server.Server

	Config          *Config
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // nil when disabled
	UserRateLimiter *security.RateLimiter // nil when disabled
	Instrumentation *instrumentation.Instrumentation

	logger  *slog.Logger
	janitor *storage.Janitor
	sinks   []security.Sink

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewServer creates a new OAuth server backed by store and consents.
// A nil config uses defaults for every setting.
func NewServer(store storage.Store, consents consent.Service, config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	core, err := server.New(store, consents, config.Server, logger)
	if err != nil {
		return nil, err
	}
	config.Server = core.Config()

	s := &Server{
		Core:    core,
		Config:  config,
		Auditor: security.NewAuditor(logger, config.Security.EnableAuditLogging),
		logger:  logger,
	}
	core.SetAuditor(s.Auditor)

	if config.RateLimit.Rate > 0 {
		s.RateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: float64(config.RateLimit.Rate),
			Burst:             config.RateLimit.Burst,
		}, logger)
	}
	if config.RateLimit.UserRate > 0 {
		s.UserRateLimiter = security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: float64(config.RateLimit.UserRate),
			Burst:             config.RateLimit.UserBurst,
		}, logger)
	}
	if config.RateLimit.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount)
	}
	if config.Security.AllowPublicClientRegistration {
		logger.Warn("⚠️  SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS via unlimited client registration",
			"recommendation", "Set RegistrationAccessToken instead")
	}

	if config.CleanupInterval > 0 {
		s.janitor = storage.NewJanitor(store, config.CleanupInterval, logger)
	}

	s.SetInstrumentation(instrumentation.NewNoop())
	return s, nil
}

// SetInstrumentation enables tracing and metrics for the HTTP layer and the
// core. Audit events are counted through the same meter.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	s.Instrumentation = inst
	s.Core.SetInstrumentation(inst)
	s.Auditor.OnEvent(func(eventType string) {
		inst.Metrics().RecordAuditEvent(context.Background(), eventType)
	})
}

// AddAuditSink forwards audit events to sink. Sinks implementing io.Closer
// are closed on Shutdown.
func (s *Server) AddAuditSink(sink security.Sink) {
	s.Auditor.AddSink(sink)
	s.sinks = append(s.sinks, sink)
}

// Start runs the cleanup janitor in the background until ctx is cancelled or
// Shutdown is called. Without a CleanupInterval it does nothing.
func (s *Server) Start(ctx context.Context) {
	if s.janitor == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		s.janitor.Run(ctx)
	}()
	s.logger.Info("Started token cleanup", "interval", s.Config.CleanupInterval)
}

// Shutdown stops the janitor and rate limiters, closes audit sinks and
// flushes instrumentation.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return fmt.Errorf("waiting for cleanup to stop: %w", ctx.Err())
		}
	}

	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	if s.UserRateLimiter != nil {
		s.UserRateLimiter.Stop()
	}

	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audit sink: %w", err))
			}
		}
	}
	if err := s.Instrumentation.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown instrumentation: %w", err))
	}
	return errors.Join(errs...)
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
