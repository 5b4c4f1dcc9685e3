// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package observability provides the local control plane: Prometheus
// metrics, health probes, and endpoints that expose the live session's
// ticket and token to tooling on the same host.
package observability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/depothaul/depothaul/internal/session"
)

// ReadinessChecker reports whether the client is logged on and ready
// to serve tickets.
type ReadinessChecker func() bool

// TicketIssuer is the slice of the login manager the ticket endpoint
// needs.
type TicketIssuer interface {
	GetAppTicket(ctx context.Context, appID uint32) ([]byte, error)
}

// SessionSource returns the live session, if any.
type SessionSource func() (session.Session, bool)

// Metrics are the download counters. They satisfy the engine's
// Recorder so downloads feed them without importing this package.
type Metrics struct {
	ChunksDownloaded prometheus.Counter
	ChunkRetries     prometheus.Counter
	BytesDownloaded  prometheus.Counter
	FileFailures     prometheus.Counter
	LogonsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the download metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depothaul_chunks_downloaded_total",
			Help: "Total number of depot chunks downloaded",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depothaul_chunk_retries_total",
			Help: "Total number of chunk download attempts that failed and were retried",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depothaul_bytes_downloaded_total",
			Help: "Total plaintext bytes written from downloaded chunks",
		}),
		FileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depothaul_file_failures_total",
			Help: "Total files deleted after failing post-download validation",
		}),
		LogonsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depothaul_logons_total",
				Help: "Total platform logon attempts by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.ChunksDownloaded)
	reg.MustRegister(m.ChunkRetries)
	reg.MustRegister(m.BytesDownloaded)
	reg.MustRegister(m.FileFailures)
	reg.MustRegister(m.LogonsTotal)

	return m
}

// AddChunkDownloaded increments the chunk counter.
func (m *Metrics) AddChunkDownloaded() { m.ChunksDownloaded.Inc() }

// AddChunkRetry increments the retry counter.
func (m *Metrics) AddChunkRetry() { m.ChunkRetries.Inc() }

// AddBytesDownloaded adds written plaintext bytes.
func (m *Metrics) AddBytesDownloaded(n uint64) { m.BytesDownloaded.Add(float64(n)) }

// AddFileFailure increments the integrity failure counter.
func (m *Metrics) AddFileFailure() { m.FileFailures.Inc() }

// Server serves the control plane endpoints.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	tickets    TicketIssuer
	sessions   SessionSource
	running    atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTicketIssuer enables the /ticket endpoint.
func WithTicketIssuer(t TicketIssuer) ServerOption {
	return func(s *Server) { s.tickets = t }
}

// WithSessionSource enables the /token endpoint.
func WithSessionSource(src SessionSource) ServerOption {
	return func(s *Server) { s.sessions = src }
}

// NewServer creates a control plane server listening on addr.
func NewServer(addr string, readinessChecker ReadinessChecker, opts ...ServerOption) *Server {
	// Own registry so tests and embedders don't pollute the global one.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		isReady:  readinessChecker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the counters for wiring into the download engine.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving. It returns an error channel that receives any
// serve failure and is closed on graceful stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("control plane server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)
	// Short aliases for probe tooling.
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.HandleFunc("/ticket", s.handleTicket)
	mux.HandleFunc("/token", s.handleToken)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("control plane server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("control plane started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_control_plane").Wrap(err)
		}
	}
	slog.Info("control plane stopped")
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}

// handleTicket issues an app ownership ticket as base64 text.
// GET /ticket?app=<appID>
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		http.Error(w, "ticket issuing not available", http.StatusNotFound)
		return
	}
	appID, err := strconv.ParseUint(r.URL.Query().Get("app"), 10, 32)
	if err != nil {
		http.Error(w, "invalid or missing app parameter", http.StatusBadRequest)
		return
	}

	ticket, err := s.tickets.GetAppTicket(r.Context(), uint32(appID))
	if err != nil {
		slog.Warn("ticket endpoint failed", "app_id", appID, "error", err)
		http.Error(w, "ticket request failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck
	w.Write([]byte(base64.StdEncoding.EncodeToString(ticket) + "\n"))
}

// handleToken returns the live session as JSON.
func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session export not available", http.StatusNotFound)
		return
	}
	sess, ok := s.sessions()
	if !ok {
		http.Error(w, "not logged on", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck
	json.NewEncoder(w).Encode(sess)
}
