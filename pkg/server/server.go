// Package server exposes the gateway over an HTTP admin and
// admission API.
//
// The admission flow is a token protocol: POST /v1/admissions reserves
// budgets and a concurrency slot and returns a token; the caller
// invokes its provider out of band, then settles or releases the
// token. Abandoned tokens are released automatically after a TTL.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/telemetry/metrics"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// AdmissionTTL bounds how long an unsettled API admission may
	// live.
	AdmissionTTL time.Duration
}

// DefaultConfig returns the stock server settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8484",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		AdmissionTTL:    5 * time.Minute,
	}
}

// Server is the admin and admission HTTP API.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	source   gateway.SnapshotSource
	log      ledger.Storage
	metrics  *metrics.Collector
	registry *AdmissionRegistry
	probe    gateway.InvokeFunc
	logger   *slog.Logger
	http     *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithProber installs the function used by the manual probe endpoint.
// Without one the endpoint answers 501.
func WithProber(fn gateway.InvokeFunc) Option {
	return func(s *Server) { s.probe = fn }
}

// WithMetrics mounts the collector's scrape handler at /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// New creates the server. Call Start to listen and Shutdown to stop.
func New(cfg Config, gw *gateway.Gateway, source gateway.SnapshotSource, log ledger.Storage, opts ...Option) *Server {
	if cfg.AdmissionTTL <= 0 {
		cfg.AdmissionTTL = DefaultConfig().AdmissionTTL
	}
	s := &Server{
		cfg:      cfg,
		gw:       gw,
		source:   source,
		log:      log,
		registry: NewAdmissionRegistry(gw, cfg.AdmissionTTL),
		logger:   slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/admissions", s.handleAdmit)
		r.Post("/admissions/{token}/settle", s.handleSettle)
		r.Delete("/admissions/{token}", s.handleRelease)

		r.Get("/usage/{kind}/{id}", s.handleUsage)
		r.Get("/availability", s.handleAvailability)
		r.Get("/health/providers", s.handleProviderHealth)

		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/{vendor}/{type}/reset", s.handleBreakerReset)

		r.Get("/ledger", s.handleLedgerList)
		r.Get("/ledger/export", s.handleLedgerExport)

		r.Post("/probes/{provider}", s.handleProbe)
	})
	return r
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and releases outstanding API
// admissions.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.registry.Close()
	return err
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
