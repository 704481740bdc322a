package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/relay"
)

type brokenStore struct{}

func (brokenStore) Append(context.Context, relay.Message) error { return nil }
func (brokenStore) Recent(context.Context, int) ([]relay.Message, error) {
	return nil, errors.New("connection refused")
}

func newTestServer(store relay.MessageStore) *Server {
	svc := relay.NewService(store, relay.NewMemoryBus(), slog.Default())
	return NewServer("127.0.0.1:0", svc, slog.Default())
}

func seedStore(t *testing.T, n int) *relay.MemoryStore {
	t.Helper()
	store := relay.NewMemoryStore()
	for i := 1; i <= n; i++ {
		require.NoError(t, store.Append(context.Background(),
			relay.Message{Username: "alice", Text: "x", Ts: int64(i)}))
	}
	return store
}

func TestHandleHistory(t *testing.T) {
	tests := []struct {
		name     string
		seed     int
		target   string
		wantLen  int
		wantFrom int64 // expected first (oldest) timestamp
	}{
		{
			name:     "default limit",
			seed:     60,
			target:   "/history",
			wantLen:  relay.DefaultHistoryLimit,
			wantFrom: 11,
		},
		{
			name:     "explicit limit",
			seed:     60,
			target:   "/history?limit=5",
			wantLen:  5,
			wantFrom: 56,
		},
		{
			name:     "non-positive limit falls back to default",
			seed:     60,
			target:   "/history?limit=-1",
			wantLen:  relay.DefaultHistoryLimit,
			wantFrom: 11,
		},
		{
			name:     "unparseable limit falls back to default",
			seed:     60,
			target:   "/history?limit=abc",
			wantLen:  relay.DefaultHistoryLimit,
			wantFrom: 11,
		},
		{
			name:    "limit above cap is clamped",
			seed:    10,
			target:  "/history?limit=9999",
			wantLen: 10,

			wantFrom: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(seedStore(t, tt.seed))

			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var msgs []relay.Message
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
			require.Len(t, msgs, tt.wantLen)

			assert.Equal(t, tt.wantFrom, msgs[0].Ts, "oldest first")
			for i := 1; i < len(msgs); i++ {
				assert.LessOrEqual(t, msgs[i-1].Ts, msgs[i].Ts)
			}
		})
	}
}

func TestHandleHistory_EmptyIsJSONArray(t *testing.T) {
	srv := newTestServer(relay.NewMemoryStore())

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleHistory_StoreFailure(t *testing.T) {
	srv := newTestServer(brokenStore{})

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused",
		"internal detail must not leak to clients")
}

// failingWriter simulates a client that disconnects before the response
// body can be written.
type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header        { return w.header }
func (w *failingWriter) Write([]byte) (int, error)  { return 0, errors.New("broken pipe") }
func (w *failingWriter) WriteHeader(statusCode int) {}

func TestHandleHistory_WriteFailureNotCountedAsOK(t *testing.T) {
	srv := newTestServer(seedStore(t, 3))

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	srv.routes().ServeHTTP(&failingWriter{header: http.Header{}}, req)

	obs := observability.NewServer("127.0.0.1:0", nil)
	_, err := obs.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obs.Stop(ctx)
	})

	resp, err := http.Get("http://" + obs.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body),
		`chatrelay_requests_total{route="history",status="write_error"}`,
		"a failed response write must be counted under its own status")
}

func TestServer_StartStop(t *testing.T) {
	srv := newTestServer(seedStore(t, 3))

	errCh, err := srv.Start()
	require.NoError(t, err)
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case serveErr, ok := <-errCh:
		if ok {
			t.Fatalf("unexpected server error: %v", serveErr)
		}
	case <-time.After(time.Second):
		t.Fatal("error channel not closed after stop")
	}
}

func TestServer_DoubleStartRejected(t *testing.T) {
	srv := newTestServer(relay.NewMemoryStore())

	_, err := srv.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	_, err = srv.Start()
	assert.Error(t, err)
}
