package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/chatrelay/chatrelay/internal/observability"
)

// resubscribeBackoff and resubscribeCap bound the retry cadence when a lost
// subscription is being re-established.
const (
	resubscribeBackoff = 500 * time.Millisecond
	resubscribeCap     = 10 * time.Second
)

// Deliverer is a process's standing bus subscription. Every message it
// receives fans out to all locally registered channels, regardless of which
// process published it — the originating client hears its own message via
// the same bus round trip, with no privileged local echo.
type Deliverer struct {
	bus      Bus
	registry *Registry
	log      *slog.Logger
}

// NewDeliverer creates a delivery handler over the shared bus and the local
// registry.
func NewDeliverer(bus Bus, registry *Registry, log *slog.Logger) *Deliverer {
	return &Deliverer{
		bus:      bus,
		registry: registry,
		log:      log,
	}
}

// Run establishes the subscription and blocks delivering messages until ctx
// is cancelled. Only the initial subscribe failure is returned to the
// caller; once running, an unexpected subscription close is survived by
// resubscribing with backoff, so no bus hiccup is fatal past startup.
func (d *Deliverer) Run(ctx context.Context) error {
	ch, err := d.bus.Subscribe(ctx)
	if err != nil {
		return oops.Code("BUS_SUBSCRIBE_FAILED").Wrap(err)
	}

	d.log.Info("delivery subscription established")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Warn("bus subscription closed unexpectedly, resubscribing")
				ch, ok = d.resubscribe(ctx)
				if !ok {
					return nil
				}
				continue
			}
			delivered := d.registry.Broadcast(msg)
			observability.RecordBroadcast(delivered)
		}
	}
}

// resubscribe retries Subscribe until it succeeds or ctx ends. It returns
// ok=false only when the context is done.
func (d *Deliverer) resubscribe(ctx context.Context) (<-chan Message, bool) {
	var ch <-chan Message

	backoff := retry.WithCappedDuration(resubscribeCap, retry.NewExponential(resubscribeBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var subErr error
		ch, subErr = d.bus.Subscribe(ctx)
		if subErr != nil {
			d.log.Warn("resubscribe failed, retrying", "error", subErr)
			return retry.RetryableError(subErr)
		}
		return nil
	})
	if err != nil {
		return nil, false
	}

	d.log.Info("delivery subscription re-established")
	return ch, true
}
