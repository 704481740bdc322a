package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/pkg/errutil"
)

// Service accepts submissions and serves history. It holds no connections:
// delivery happens wherever a Deliverer subscribes to the same bus, which is
// what lets multiple server processes share one logical room without direct
// knowledge of each other.
type Service struct {
	store MessageStore
	bus   Bus
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a service over long-lived store and bus handles.
func NewService(store MessageStore, bus Bus, log *slog.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Submit accepts one candidate message: validate, timestamp, persist,
// publish. It is fire-and-forget; failures are logged and counted, never
// surfaced to the sender.
//
// A store failure degrades the message to live-relay only: it is still
// published, since live relay is the primary guarantee and durability is
// best-effort. A publish failure loses the message from live relay with no
// retry.
func (s *Service) Submit(ctx context.Context, msg Message) {
	if err := msg.Validate(); err != nil {
		observability.RecordValidationFailure()
		s.log.Debug("dropping invalid submission", "error", err)
		return
	}

	msg.Normalize(s.now())

	if err := s.store.Append(ctx, msg); err != nil {
		observability.RecordStoreFailure()
		errutil.LogWarn(s.log, "message persist failed, continuing with live relay",
			oops.Code("STORE_APPEND_FAILED").With("username", msg.Username).Wrap(err))
	}

	if err := s.bus.Publish(ctx, msg); err != nil {
		observability.RecordPublishFailure()
		errutil.LogError(s.log, "bus publish failed, message lost from live relay",
			oops.Code("BUS_PUBLISH_FAILED").With("username", msg.Username).Wrap(err))
		return
	}

	observability.RecordIngest()
}

// Recent returns up to min(limit, MaxRetained) messages in chronological
// order, oldest first. Non-positive limits fall back to the default. The
// oldest-first contract holds regardless of store internals; the store's
// newest-first result is reversed here.
func (s *Service) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxRetained {
		limit = MaxRetained
	}

	msgs, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, oops.Code("HISTORY_QUERY_FAILED").With("limit", limit).Wrap(err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Snapshot returns the bounded history pushed to a newly connected client,
// oldest first. The snapshot path never touches the bus.
func (s *Service) Snapshot(ctx context.Context) ([]Message, error) {
	return s.Recent(ctx, SnapshotLimit)
}
