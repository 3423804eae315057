package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config configures the HTTP control surface.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	AuthScheme     AuthScheme
	APIKeys        []string
	RateLimit      RateLimitConfig
	// Metrics lets the caller share one collector set with other
	// components (alert counters are incremented outside the server).
	// Nil builds a fresh private registry.
	Metrics *Metrics
}

// Server wires the chi router, middleware chain, and route table over a
// Service implementation.
type Server struct {
	Router  *chi.Mux
	Metrics *Metrics

	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	httpSrv *http.Server
}

// New builds the router. The health check is the only unauthenticated
// route.
func New(cfg Config, svc Service, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = SchemeAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	authenticator := NewAuthenticator(cfg.AuthScheme, cfg.APIKeys, []string{"/healthz"})
	limiter := NewRateLimiter(cfg.RateLimit)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	h := &handlers{svc: svc, metrics: metrics}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(metrics))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "telemetry")
	})
	r.Use(AuthMiddleware(authenticator))
	r.Use(RateLimitMiddleware(limiter, authenticator, metrics))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.trackEvent)
		r.Post("/events/batch", h.trackBatch)
		r.Get("/events", h.queryEvents)
		r.Get("/export", h.exportEvents)
		r.Get("/stats", h.stats)
		r.Get("/sessions", h.sessions)
		r.Get("/alerts", h.alerts)
		r.Post("/clean", h.clean)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return &Server{
		Router:  r,
		Metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting http server", slog.Int("port", s.cfg.Port))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
