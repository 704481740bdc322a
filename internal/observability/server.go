// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package observability provides HTTP endpoints for metrics and health
// checks, plus the relay's Prometheus instrumentation.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Package-level instruments so ingest, delivery, and transport code can
// record events without holding a Server reference. Registered with the
// server's registry in NewServer.
var (
	messagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_ingested_total",
		Help: "Total number of messages accepted, persisted, and published",
	})
	validationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_validation_failures_total",
		Help: "Total number of submissions dropped by boundary validation",
	})
	storeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_store_failures_total",
		Help: "Total number of message store writes that failed (message degraded to live-relay only)",
	})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_publish_failures_total",
		Help: "Total number of bus publishes that failed (message lost from live relay)",
	})
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_broadcasts_total",
		Help: "Total number of per-connection deliveries fanned out by this process",
	})
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_connections",
		Help: "Number of client channels currently registered on this process",
	})
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// RecordIngest counts a fully accepted submission.
func RecordIngest() { messagesIngested.Inc() }

// RecordValidationFailure counts a submission dropped by validation.
func RecordValidationFailure() { validationFailures.Inc() }

// RecordStoreFailure counts a failed message store write.
func RecordStoreFailure() { storeFailures.Inc() }

// RecordPublishFailure counts a failed bus publish.
func RecordPublishFailure() { publishFailures.Inc() }

// RecordBroadcast counts per-connection deliveries for one bus message.
func RecordBroadcast(delivered int) { broadcastsTotal.Add(float64(delivered)) }

// SetConnections records the current local connection count.
func SetConnections(n int) { connectionsGauge.Set(float64(n)) }

// RecordRequest counts one HTTP request.
func RecordRequest(route, status string) { requestsTotal.WithLabelValues(route, status).Inc() }

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Own registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		messagesIngested,
		validationFailures,
		storeFailures,
		publishFailures,
		broadcastsTotal,
		connectionsGauge,
		requestsTotal,
	)

	return &Server{
		addr:     addr,
		registry: registry,
		isReady:  readinessChecker,
	}
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP
// server after it starts. The channel is closed when the server stops
// gracefully. Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
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

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
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
