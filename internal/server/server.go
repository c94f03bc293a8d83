// Package server provides the HTTP API for geoipd.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"geoipd/internal/archive"
	"geoipd/internal/logging"
	"geoipd/internal/lookup"
	"geoipd/internal/manager"
	"geoipd/internal/metrics"
	"geoipd/internal/sysmetrics"
)

// Version is set at build time.
var Version = "dev"

// Lookuper answers geolocation queries.
type Lookuper interface {
	Lookup(ctx context.Context, q lookup.Query) (*lookup.Result, error)
}

// Archives serves database archives.
type Archives interface {
	Serve(ctx context.Context, edition string, ifModifiedSince time.Time) (*archive.Response, error)
}

// StatusSource reports the database lifecycle.
type StatusSource interface {
	Status() manager.Status
}

// RateLimit configures per-client limiting of lookups. A zero Limit disables it.
type RateLimit struct {
	Limit rate.Limit
	Burst int
}

// Config holds server configuration.
type Config struct {
	Lookup   Lookuper
	Archives Archives
	Status   StatusSource

	// InstanceID identifies this data directory in /api/status.
	InstanceID string
	// APIKey gates lookups and archive downloads when non-empty.
	APIKey    string
	RateLimit RateLimit
	// TLS, when set, makes Serve terminate TLS. Otherwise HTTP/2 is offered
	// in cleartext.
	TLS *tls.Config

	Logger *slog.Logger
}

// Server is the geoipd HTTP server.
type Server struct {
	cfg     Config
	limiter *clientLimiter
	sampler *sysmetrics.Sampler
	logger  *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	inFlight sync.WaitGroup
	draining atomic.Bool

	startTime time.Time
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		sampler:   sysmetrics.NewSampler(),
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		startTime: time.Now(),
	}
	if cfg.RateLimit.Limit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit.Limit, max(cfg.RateLimit.Burst, 1))
	}
	return s
}

// registerProbes adds liveness and readiness endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Ready once at least one edition is installed.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

func (s *Server) ready() bool {
	if s.draining.Load() || s.cfg.Status == nil {
		return false
	}
	for _, e := range s.cfg.Status.Status().Editions {
		if e.Installed {
			return true
		}
	}
	return false
}

// trackingMiddleware tracks in-flight requests and rejects new ones while draining.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeError(w, http.StatusServiceUnavailable, "server is draining")
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	s.handle(mux, "GET /api/status", http.HandlerFunc(s.handleStatus))
	s.handle(mux, "GET /api/ip", http.HandlerFunc(s.handleIP))
	s.handle(mux, "GET /api/geoip", s.authMiddleware(s.rateLimited(http.HandlerFunc(s.handleGeoIP))))
	s.handle(mux, "GET /files/mmdb/{edition}", s.authMiddleware(http.HandlerFunc(s.handleArchive)))
	mux.Handle("GET /api/metrics", metrics.Handler())

	s.registerProbes(mux)
	return mux
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return limitClients(s.limiter, next)
}

// Handler returns the full middleware chain. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(requestIDMiddleware(compressMiddleware(s.buildMux())))
}

// Serve starts the server on listener and blocks until it is stopped. The
// limiter cleanup goroutine stops with ctx.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup
	cleanupCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	if s.limiter != nil {
		s.limiter.runEviction(cleanupCtx, &wg, time.Minute, 10*time.Minute)
	}

	handler := s.Handler()
	if s.cfg.TLS != nil {
		listener = tls.NewListener(listener, s.cfg.TLS)
	} else {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String(), "tls", s.cfg.TLS != nil)

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP listens on addr and serves until stopped.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Stop drains in-flight requests and shuts the listener down. New requests
// get 503 while draining.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("drain interrupted", "error", ctx.Err())
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("server stopping")
	return srv.Shutdown(ctx)
}
