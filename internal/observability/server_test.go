// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, ready ReadinessChecker) (*Server, <-chan error) {
	t.Helper()

	srv := NewServer("127.0.0.1:0", ready)
	errCh, err := srv.Start()
	require.NoError(t, err)
	require.NotEmpty(t, srv.Addr())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return srv, errCh
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := startServer(t, nil)

	RecordIngest()
	RecordBroadcast(3)
	SetConnections(2)
	RecordRequest("history", "ok")

	code, body := get(t, "http://"+srv.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "chatrelay_messages_ingested_total")
	assert.Contains(t, body, "chatrelay_broadcasts_total")
	assert.Contains(t, body, "chatrelay_connections 2")
	assert.Contains(t, body, `chatrelay_requests_total{route="history",status="ok"}`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_Liveness(t *testing.T) {
	srv, _ := startServer(t, nil)

	code, body := get(t, "http://"+srv.Addr()+"/healthz/liveness")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)
}

func TestServer_Readiness(t *testing.T) {
	ready := false
	srv, _ := startServer(t, func() bool { return ready })

	code, body := get(t, "http://"+srv.Addr()+"/healthz/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready\n", body)

	ready = true
	code, body = get(t, "http://"+srv.Addr()+"/healthz/readiness")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)
}

func TestServer_DoubleStartRejected(t *testing.T) {
	srv, _ := startServer(t, nil)

	_, err := srv.Start()
	assert.Error(t, err)
}

func TestServer_StopClosesErrorChannel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil)
	errCh, err := srv.Start()
	require.NoError(t, err)

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

func TestServer_StopWhenNotRunning(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil)
	assert.NoError(t, srv.Stop(context.Background()))
}
