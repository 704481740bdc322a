// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/relay"
	"github.com/chatrelay/chatrelay/pkg/errutil"
)

func TestPostgresStore_Append(t *testing.T) {
	msg := relay.Message{Username: "alice", Text: "hi", Ts: 1700000000000}

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   bool
		errCode   string
	}{
		{
			name: "insert and trim in one transaction",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO messages`).
					WithArgs("alice", "hi", int64(1700000000000)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`DELETE FROM messages`).
					WithArgs(relay.MaxRetained).
					WillReturnResult(pgxmock.NewResult("DELETE", 0))
				mock.ExpectCommit()
				mock.ExpectRollback()
			},
		},
		{
			name: "insert failure rolls back",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO messages`).
					WithArgs("alice", "hi", int64(1700000000000)).
					WillReturnError(errors.New("connection refused"))
				mock.ExpectRollback()
			},
			wantErr: true,
			errCode: "STORE_APPEND_FAILED",
		},
		{
			name: "trim failure rolls back",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO messages`).
					WithArgs("alice", "hi", int64(1700000000000)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`DELETE FROM messages`).
					WithArgs(relay.MaxRetained).
					WillReturnError(errors.New("deadlock detected"))
				mock.ExpectRollback()
			},
			wantErr: true,
			errCode: "STORE_TRIM_FAILED",
		},
		{
			name: "begin failure",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
			},
			wantErr: true,
			errCode: "STORE_TX_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			s := NewPostgresStore(mock)
			err = s.Append(context.Background(), msg)

			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.errCode)
			} else {
				require.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgresStore_Recent(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		setupMock func(mock pgxmock.PgxPoolIface)
		want      []relay.Message
		wantErr   bool
		errCode   string
	}{
		{
			name:  "returns newest first",
			limit: 3,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"username", "text", "ts"}).
					AddRow("carol", "third", int64(3000)).
					AddRow("bob", "second", int64(2000)).
					AddRow("alice", "first", int64(1000))
				mock.ExpectQuery(`SELECT username, text, ts FROM messages`).
					WithArgs(3).
					WillReturnRows(rows)
			},
			want: []relay.Message{
				{Username: "carol", Text: "third", Ts: 3000},
				{Username: "bob", Text: "second", Ts: 2000},
				{Username: "alice", Text: "first", Ts: 1000},
			},
		},
		{
			name:  "empty history",
			limit: 10,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT username, text, ts FROM messages`).
					WithArgs(10).
					WillReturnRows(pgxmock.NewRows([]string{"username", "text", "ts"}))
			},
			want: nil,
		},
		{
			name:  "query failure surfaces",
			limit: 10,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT username, text, ts FROM messages`).
					WithArgs(10).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
			errCode: "STORE_QUERY_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			s := NewPostgresStore(mock)
			got, err := s.Recent(context.Background(), tt.limit)

			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.errCode)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}
