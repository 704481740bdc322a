// Package store provides durable MessageStore implementations.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/relay"
)

// poolIface abstracts the pgx pool so unit tests can substitute pgxmock.
type poolIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore implements relay.MessageStore on PostgreSQL. The retention
// bound is enforced transactionally: every insert trims the table back to
// the newest relay.MaxRetained rows, so durable storage mirrors the live
// bound instead of growing without limit.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ConnectPostgres opens a connection pool for the given DSN and wraps it in
// a store. The pool is long-lived; callers release it via Close at shutdown.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Append inserts the message and trims to the retention cap in one
// transaction.
func (s *PostgresStore) Append(ctx context.Context, msg relay.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code("STORE_TX_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (username, text, ts) VALUES ($1, $2, $3)`,
		msg.Username, msg.Text, msg.Ts)
	if err != nil {
		return oops.Code("STORE_APPEND_FAILED").With("username", msg.Username).Wrap(err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM messages WHERE id IN (
			SELECT id FROM messages ORDER BY ts DESC, id DESC OFFSET $1
		)`,
		relay.MaxRetained)
	if err != nil {
		return oops.Code("STORE_TRIM_FAILED").Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("STORE_TX_FAILED").Wrap(err)
	}
	return nil
}

// Recent returns up to limit messages, most recent first. Insertion order
// breaks timestamp ties.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]relay.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, text, ts FROM messages ORDER BY ts DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, oops.Code("STORE_QUERY_FAILED").With("limit", limit).Wrap(err)
	}
	defer rows.Close()

	var msgs []relay.Message
	for rows.Next() {
		var m relay.Message
		if err := rows.Scan(&m.Username, &m.Text, &m.Ts); err != nil {
			return nil, oops.Code("STORE_SCAN_FAILED").Wrap(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORE_QUERY_FAILED").Wrap(err)
	}
	return msgs, nil
}
