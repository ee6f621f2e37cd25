package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slumberd/slumber/internal/controller"
)

func newFakeDaemon(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "svc" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not registered"})
			return
		}
		_ = json.NewEncoder(w).Encode(controller.ConnectionInfo{
			Name: "svc", PID: 4242, Port: 9000, Addr: "127.0.0.1:9000",
		})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/list", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]controller.Snapshot{
			{Name: "svc", State: controller.StateRunning, PID: 4242},
		})
	})
	mux.HandleFunc("POST /api/sweep", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"swept": 2})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, New(Config{BaseURL: srv.URL + "/api"})
}

func TestStartReturnsConnectionInfo(t *testing.T) {
	_, c := newFakeDaemon(t)

	info, err := c.Start(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, 4242, info.PID)
	assert.Equal(t, "127.0.0.1:9000", info.Addr)
}

func TestStartUnknownServer(t *testing.T) {
	_, c := newFakeDaemon(t)

	_, err := c.Start(context.Background(), "ghost")
	require.Error(t, err)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Contains(t, ae.Message, "not registered")
}

func TestListAndSweep(t *testing.T) {
	_, c := newFakeDaemon(t)

	snaps, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, controller.StateRunning, snaps[0].State)

	n, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIsReachable(t *testing.T) {
	srv, c := newFakeDaemon(t)
	assert.True(t, c.IsReachable(context.Background()))

	srv.Close()
	assert.False(t, c.IsReachable(context.Background()))
}
