package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// tokenIDLogLength is how much of a code or token may appear in logs
const tokenIDLogLength = 8

// ProtocolError is the OAuth error value carried in handler results.
type ProtocolError = oauthutil.Error

// deps holds the collaborators shared by every component of a Server.
// Setters on Server update it in place so all components see the change.
type deps struct {
	store    storage.Store
	consents consent.Service
	config   *Config
	clock    oauthutil.Clock
	logger   *slog.Logger
	auditor  *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

func (d *deps) now() int64 {
	return oauthutil.Timestamp(d.clock)
}

// metrics returns nil when instrumentation is not configured
func (d *deps) metrics() *instrumentation.Metrics {
	if d.instrumentation == nil {
		return nil
	}
	return d.instrumentation.Metrics()
}

// startSpan starts a span named server.<operation>. Without instrumentation
// the span already in ctx is returned.
func (d *deps) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.tracer.Start(ctx, "server."+operation)
}

// Server wires the OAuth components to one store, one consent service and
// one configuration.
type Server struct {
	*deps

	Clients       *ClientManager
	Tokens        *TokenManager
	Authorization *AuthorizationHandler
	TokenRequests *TokenRequestHandler
}

// New creates a new OAuth server. A nil config uses the defaults and a nil
// logger uses slog.Default().
func New(store storage.Store, consents consent.Service, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if consents == nil {
		return nil, fmt.Errorf("consent service is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateConfig(config, logger); err != nil {
		return nil, err
	}

	d := &deps{
		store:    store,
		consents: consents,
		config:   config,
		clock:    oauthutil.SystemClock{},
		logger:   logger,
	}
	clients := &ClientManager{deps: d}
	tokens := &TokenManager{deps: d}
	return &Server{
		deps:          d,
		Clients:       clients,
		Tokens:        tokens,
		Authorization: &AuthorizationHandler{deps: d, clients: clients},
		TokenRequests: &TokenRequestHandler{deps: d, clients: clients, tokens: tokens},
	}, nil
}

// Config returns the effective configuration after defaults were applied.
func (s *Server) Config() *Config {
	return s.config
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Consents returns the consent service.
func (s *Server) Consents() consent.Service {
	return s.consents
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Auditor returns the security auditor, which may be nil.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// Instrumentation returns the configured instrumentation, which may be nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetClock replaces the time source. Call it while wiring up.
func (s *Server) SetClock(clock oauthutil.Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetInstrumentation enables tracing and metrics for every component.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = nil
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}
