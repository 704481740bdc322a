package store

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/relay"
)

// historyKey is the Redis list holding the bounded message history,
// newest at the head.
const historyKey = "chatrelay:history"

// RedisListStore implements relay.MessageStore on a Redis list. LPUSH plus
// LTRIM keeps the list bounded at the store layer itself, so the retention
// policy is uniform with the relational variant. Entries are the JSON wire
// form of the message.
type RedisListStore struct {
	client redis.Cmdable
	log    *slog.Logger
}

// NewRedisListStore creates a store over an existing client.
func NewRedisListStore(client redis.Cmdable, log *slog.Logger) *RedisListStore {
	return &RedisListStore{client: client, log: log}
}

// Append pushes the message and trims the list to the retention cap. Both
// commands run in one MULTI/EXEC so a crash between them cannot leave the
// list over the bound.
func (s *RedisListStore) Append(ctx context.Context, msg relay.Message) error {
	data, err := relay.EncodeMessage(msg)
	if err != nil {
		return oops.Code("STORE_ENCODE_FAILED").With("username", msg.Username).Wrap(err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, int64(relay.MaxRetained-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("STORE_APPEND_FAILED").With("username", msg.Username).Wrap(err)
	}
	return nil
}

// Recent returns up to limit messages, most recent first (the list is
// already newest-at-head). Entries that fail to decode are skipped with a
// log; one corrupt record must not take down history.
func (s *RedisListStore) Recent(ctx context.Context, limit int) ([]relay.Message, error) {
	vals, err := s.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, oops.Code("STORE_QUERY_FAILED").With("limit", limit).Wrap(err)
	}

	msgs := make([]relay.Message, 0, len(vals))
	for _, v := range vals {
		m, err := relay.DecodeMessage([]byte(v))
		if err != nil {
			s.log.Warn("skipping corrupt history entry", "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
