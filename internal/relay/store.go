package relay

import (
	"context"
	"sync"
)

// Retention and history bounds.
const (
	// MaxRetained is the hard cap on stored messages. Every store
	// implementation trims to the newest MaxRetained on append.
	MaxRetained = 500

	// DefaultHistoryLimit is used when a history caller supplies no limit
	// or a non-positive one.
	DefaultHistoryLimit = 50

	// SnapshotLimit bounds the history snapshot pushed to a newly
	// connected client.
	SnapshotLimit = 20
)

// MessageStore is the durable, bounded record of accepted messages.
type MessageStore interface {
	// Append persists a message and enforces the retention bound.
	Append(ctx context.Context, msg Message) error

	// Recent returns up to limit messages, most recent first. Callers
	// wanting chronological order reverse the result.
	Recent(ctx context.Context, limit int) ([]Message, error)
}

// MemoryStore is an in-memory MessageStore for single-process mode and
// tests. It applies the same retention bound as the durable stores.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs []Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a message, evicting the oldest once the cap is reached.
func (s *MemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg)
	if len(s.msgs) > MaxRetained {
		s.msgs = s.msgs[len(s.msgs)-MaxRetained:]
	}
	return nil
}

// Recent returns up to limit messages, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > len(s.msgs) {
		limit = len(s.msgs)
	}
	if limit <= 0 {
		return nil, nil
	}

	result := make([]Message, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.msgs[len(s.msgs)-1-i]
	}
	return result, nil
}
