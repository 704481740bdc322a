// Package bus provides the cross-process Broadcast Bus on Redis pub/sub.
package bus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/relay"
)

// Channel is the single well-known pub/sub channel shared by every server
// process. Redis delivers per-channel FIFO to each subscriber, so with one
// channel all subscribers observe the same relative order of published
// messages.
const Channel = "chatrelay:messages"

// subscriberBuffer bounds how far the decode goroutine may run ahead of the
// delivery loop.
const subscriberBuffer = 100

// RedisBus implements relay.Bus on a long-lived Redis client shared across
// all requests of a process.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisBus creates a bus over an existing client.
func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

// Publish sends the message to every subscriber on every process.
func (b *RedisBus) Publish(ctx context.Context, msg relay.Message) error {
	data, err := relay.EncodeMessage(msg)
	if err != nil {
		return oops.Code("BUS_ENCODE_FAILED").With("username", msg.Username).Wrap(err)
	}
	if err := b.client.Publish(ctx, Channel, data).Err(); err != nil {
		return oops.Code("BUS_PUBLISH_FAILED").With("channel", Channel).Wrap(err)
	}
	return nil
}

// Subscribe establishes the standing subscription. Malformed payloads are
// logged and dropped; they never reach the delivery loop. The returned
// channel closes when ctx is cancelled or the underlying subscription ends.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan relay.Message, error) {
	sub := b.client.Subscribe(ctx, Channel)

	// Confirm the subscription before handing back a channel, so a dead
	// Redis fails Subscribe instead of silently delivering nothing.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close() //nolint:errcheck // subscription never became usable
		return nil, oops.Code("BUS_SUBSCRIBE_FAILED").With("channel", Channel).Wrap(err)
	}

	out := make(chan relay.Message, subscriberBuffer)
	src := sub.Channel()

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				b.log.Debug("error closing bus subscription", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-src:
				if !ok {
					return
				}
				msg, err := relay.DecodeMessage([]byte(raw.Payload))
				if err != nil {
					b.log.Warn("dropping malformed bus payload",
						"channel", raw.Channel,
						"error", err,
					)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
