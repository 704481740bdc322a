// Package httpapi serves the history endpoint for new or polling clients.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/relay"
	"github.com/chatrelay/chatrelay/pkg/errutil"
)

// Server exposes GET /history over plain HTTP.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	svc        *relay.Service
	log        *slog.Logger
	running    atomic.Bool
}

// NewServer creates a history API server.
func NewServer(addr string, svc *relay.Service, log *slog.Logger) *Server {
	return &Server{
		addr: addr,
		svc:  svc,
		log:  log,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start begins serving. It returns an error channel that receives any error
// from the HTTP server after startup; the channel is closed on graceful stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("history server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Error("history server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.log.Info("history server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_history_server").Wrap(err)
		}
	}

	s.log.Info("history server stopped")
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

// handleHistory serves the last N messages, oldest first. An unusable limit
// falls back to the service default; a store failure is a plain 500, never a
// partial result a client could mistake for "no messages yet".
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err == nil {
			limit = n
		}
	}

	msgs, err := s.svc.Recent(r.Context(), limit)
	if err != nil {
		errutil.LogError(s.log, "history query failed", err)
		observability.RecordRequest("history", "error")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if msgs == nil {
		msgs = []relay.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		s.log.Debug("failed to write history response", "error", err)
		observability.RecordRequest("history", "write_error")
		return
	}
	observability.RecordRequest("history", "ok")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}
