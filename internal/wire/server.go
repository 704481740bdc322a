// Package wire provides the client transport adapter: newline-delimited
// JSON frames over a persistent TCP connection. A connected client submits
// `{"username","text","ts"}` lines and receives the live feed as the same
// shape, plus a one-time history snapshot frame on connect.
package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/chatrelay/chatrelay/internal/relay"
)

// Server accepts client connections and hands each to a ConnHandler.
type Server struct {
	addr     string
	listener net.Listener
	svc      *relay.Service
	registry *relay.Registry
	mu       sync.RWMutex
}

// NewServer creates a new wire server.
func NewServer(addr string, svc *relay.Service, registry *relay.Registry) *Server {
	return &Server{
		addr:     addr,
		svc:      svc,
		registry: registry,
	}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("wire server started", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			slog.Debug("error closing listener", "error", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("accept failed", "error", err)
				continue
			}
		}
		handler := NewConnHandler(conn, s.svc, s.registry)
		go handler.Handle(ctx)
	}
}
