package relay

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity of the in-process
// bus, matching the buffering used by the Redis-backed bus.
const subscriberBuffer = 100

// Bus is the publish/subscribe primitive every server process publishes to
// and subscribes from. It decouples "a message was accepted" from "a message
// was delivered to connected clients".
//
// Implementations deliver FIFO to each subscriber. When the underlying
// transport also preserves a single order across publishers (Redis pub/sub
// does, for one channel), all subscribers observe the same relative order,
// which is effectively total order for this single-channel topology.
type Bus interface {
	// Publish sends a message to every subscriber on every process.
	Publish(ctx context.Context, msg Message) error

	// Subscribe establishes a standing subscription. The returned channel
	// is closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// MemoryBus is an in-process Bus for single-process mode and tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []chan Message
}

// NewMemoryBus creates a bus with no subscribers.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish fans the message out to all subscribers. A subscriber whose buffer
// is full misses the message; delivery is best-effort with no backpressure.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("message dropped: subscriber buffer full",
				"username", msg.Username,
				"ts", msg.Ts,
			)
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The channel is removed and closed
// when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ch)
	}()

	return ch, nil
}

func (b *MemoryBus) remove(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}
