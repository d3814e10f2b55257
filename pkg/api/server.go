package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/billrun/pkg/audit"
	"github.com/platinummonkey/billrun/pkg/auth"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/middleware"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// DefaultMaxBodyBytes bounds trigger and webhook request bodies
const DefaultMaxBodyBytes = 1 << 20

// Runner executes billing runs
type Runner interface {
	Run(ctx context.Context, req billing.RunRequest) (*billing.RunSummary, error)
}

// EventReconciler applies verified gateway events
type EventReconciler interface {
	Reconcile(ctx context.Context, ev *gateway.Event) (*billing.ReconcileResult, error)
}

// ServerConfig holds the collaborators of the API server. Limiters,
// metrics and the audit logger are optional.
type ServerConfig struct {
	Scheduler      Runner
	Reconciler     EventReconciler
	Gateways       *gateway.Registry
	Callers        *middleware.CallerMiddleware
	RunLimiter     middleware.Limiter
	WebhookLimiter middleware.Limiter
	MaxBodyBytes   int64
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	OTelMetrics    *observability.OTelMetrics
	Audit          audit.Logger
}

// Server represents the billing API server
type Server struct {
	router      *mux.Router
	scheduler   Runner
	reconciler  EventReconciler
	gateways    *gateway.Registry
	logger      *observability.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	audit       audit.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Gateways == nil {
		cfg.Gateways = gateway.NewRegistry()
	}
	if cfg.Callers == nil {
		// No secret and no operator verifier: every trigger is rejected.
		cfg.Callers = middleware.NewCallerMiddleware(auth.NewSecretVerifier(""), nil, cfg.Logger)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopLogger()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router:      mux.NewRouter(),
		scheduler:   cfg.Scheduler,
		reconciler:  cfg.Reconciler,
		gateways:    cfg.Gateways,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		otelMetrics: cfg.OTelMetrics,
		audit:       cfg.Audit,
	}
	s.setupRoutes(cfg)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(cfg ServerConfig) {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(cfg.MaxBodyBytes),
	)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	if s.otelMetrics != nil {
		s.router.Use(observability.OTelHTTPMiddleware(s.otelMetrics))
	}

	// Routes are registered on the root router; a method mismatch under a
	// mux subrouter is reported as 404 instead of 405.

	var runs http.Handler = http.HandlerFunc(s.triggerRun)
	if cfg.RunLimiter != nil {
		runs = middleware.NewRateLimitMiddleware(cfg.RunLimiter, middleware.CallerKey, s.logger).Handler(runs)
	}
	runs = cfg.Callers.Handler(runs)
	s.router.Handle("/v1/billing/runs", runs).Methods(http.MethodPost)

	var webhooks http.Handler = http.HandlerFunc(s.receiveWebhook)
	if cfg.WebhookLimiter != nil {
		webhooks = middleware.NewRateLimitMiddleware(cfg.WebhookLimiter, middleware.ClientIPKey, s.logger).Handler(webhooks)
	}
	s.router.Handle("/v1/billing/webhooks/{gateway}", webhooks).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped with OpenTelemetry HTTP tracing
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "billrun-api")
}

func (s *Server) recordAudit(r *http.Request, event *audit.AuditEvent) {
	if err := s.audit.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to write audit event")
	}
}

// Router exposes the router so callers can mount additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}
