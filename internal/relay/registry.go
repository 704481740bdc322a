package relay

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatrelay/chatrelay/internal/observability"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewConnID generates a connection identifier.
func NewConnID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Conn is one client channel, the broadcast target. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	// Send delivers one live message.
	Send(msg Message) error

	// SendHistory delivers a chronological history snapshot as a single
	// frame, distinct from live messages.
	SendHistory(msgs []Message) error

	// Close tears down the underlying transport.
	Close() error
}

// Registry tracks the client channels currently open on this process. It is
// used only as a fan-out target; there is no per-client filtering.
type Registry struct {
	mu    sync.RWMutex
	conns map[ulid.ULID]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ulid.ULID]Conn),
	}
}

// Add registers a channel under the given connection ID.
func (r *Registry) Add(id ulid.ULID, c Conn) {
	r.mu.Lock()
	r.conns[id] = c
	n := len(r.conns)
	r.mu.Unlock()

	observability.SetConnections(n)
}

// Remove deregisters a channel. Removing an unknown ID is a no-op, so
// disconnect paths may call it unconditionally.
func (r *Registry) Remove(id ulid.ULID) {
	r.mu.Lock()
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()

	observability.SetConnections(n)
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends a message to every registered channel and returns the
// number of successful deliveries. A channel that fails to accept the write
// is treated as disconnected: it is removed and closed, with no retry.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.RLock()
	targets := make(map[ulid.ULID]Conn, len(r.conns))
	for id, c := range r.conns {
		targets[id] = c
	}
	r.mu.RUnlock()

	delivered := 0
	for id, c := range targets {
		if err := c.Send(msg); err != nil {
			slog.Debug("broadcast write failed, dropping connection",
				"conn_id", id.String(),
				"error", err,
			)
			r.Remove(id)
			if closeErr := c.Close(); closeErr != nil {
				slog.Debug("error closing connection", "conn_id", id.String(), "error", closeErr)
			}
			continue
		}
		delivered++
	}
	return delivered
}
