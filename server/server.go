// Package server exposes the relay service over HTTP.
//
// Routes:
//   - POST /v1/streams                     start a stream (202 + ticket)
//   - POST /v1/streams/{task_key}/cancel   cancel by task key
//   - GET  /v1/sessions                    live sessions
//   - GET  /v1/stats                       metrics snapshot
//   - GET  /metrics                        Prometheus exposition
//   - GET  /healthz                        liveness
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/types"
)

// MaxRequestBody bounds a start request body.
const MaxRequestBody = 1 << 20

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// SessionsResponse is the body of GET /v1/sessions.
type SessionsResponse struct {
	Sessions []relay.SessionInfo `json:"sessions"`
}

// CancelResponse is the body of the cancel endpoint.
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the relay API.
type Server struct {
	svc       *relay.Service
	collector *metrics.Collector
	logger    *log.Logger
	cfg       Config
	registry  *prometheus.Registry
	httpSrv   *http.Server
}

// New creates a server for svc. collector may be nil.
func New(cfg Config, svc *relay.Service, collector *metrics.Collector, logger *log.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewExporter(collector),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		svc:       svc,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
		registry:  reg,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/streams", s.handleStart)
	mux.HandleFunc("POST /v1/streams/{task_key}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is done, then shuts down the HTTP server and the
// relay service. The idle sweeper runs alongside.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.logger.Info("relay server listening", map[string]any{"addr": ln.Addr().String()})
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return s.svc.RunSweeper(gctx)
	})

	eg.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down relay server", nil)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		httpErr := s.httpSrv.Shutdown(shutdownCtx)
		svcErr := s.svc.Shutdown(shutdownCtx)
		return errors.Join(httpErr, svcErr)
	})

	return eg.Wait()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req types.StreamRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	ticket, err := s.svc.Start(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, ticket)
	case errors.Is(err, relay.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, relay.ErrHandleActive), errors.Is(err, relay.ErrTaskKeyActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, relay.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("start failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskKey := r.PathValue("task_key")
	canceled := s.svc.Cancel(r.Context(), taskKey)
	s.logger.Info("cancel requested", map[string]any{
		"task_key": taskKey,
		"canceled": canceled,
	})
	writeJSON(w, http.StatusOK, CancelResponse{Canceled: canceled})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: s.svc.Sessions()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: types.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
