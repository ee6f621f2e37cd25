package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slumberd/slumber/internal/controller"
	"github.com/slumberd/slumber/internal/registry"
)

// healthSwitch is a toggleable fake worker health endpoint.
type healthSwitch struct {
	mu sync.Mutex
	ok bool
}

func (h *healthSwitch) set(ok bool) {
	h.mu.Lock()
	h.ok = ok
	h.mu.Unlock()
}

func (h *healthSwitch) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	ok := h.ok
	h.mu.Unlock()
	if ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func newFixture(t *testing.T, url string, threshold int) (*controller.Controller, *registry.Registry, *Monitor) {
	t.Helper()
	def := registry.Definition{
		Name:           "svc",
		Command:        "sleep 60",
		HealthURL:      url,
		StartHold:      50 * time.Millisecond,
		StartupTimeout: 5 * time.Second,
		IdleTimeout:    time.Hour,
		GracePeriod:    time.Second,
		MaxRestarts:    3,
		RestartWindow:  time.Minute,
	}
	reg, err := registry.FromDefinitions(registry.Defaults{}, def)
	require.NoError(t, err)
	ctl := controller.New(reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	m := NewMonitor(ctl, reg, Config{
		Interval:         50 * time.Millisecond,
		FailureThreshold: threshold,
		ProbeTimeout:     time.Second,
	}, nil)
	return ctl, reg, m
}

func TestProbeStatusCodes(t *testing.T) {
	hs := &healthSwitch{ok: true}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	m := NewMonitor(nil, nil, Config{}, nil)
	require.NoError(t, m.Probe(context.Background(), "svc", srv.URL))

	hs.set(false)
	err := m.Probe(context.Background(), "svc", srv.URL)
	require.Error(t, err)
	var cf *CheckFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, http.StatusServiceUnavailable, cf.Status)

	srv.Close()
	err = m.Probe(context.Background(), "svc", srv.URL)
	require.Error(t, err)
	require.True(t, errors.As(err, &cf))
	assert.Error(t, cf.Err)
}

func TestThresholdTriggersRestart(t *testing.T) {
	hs := &healthSwitch{ok: true}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	ctl, _, m := newFixture(t, srv.URL, 2)

	info, err := ctl.EnsureRunning(context.Background(), "svc")
	require.NoError(t, err)

	// Healthy probes keep the failure count at zero.
	m.CheckAll(context.Background())
	s, err := ctl.Status("svc")
	require.NoError(t, err)
	assert.Zero(t, s.HealthFailures)

	hs.set(false)
	m.CheckAll(context.Background())
	s, err = ctl.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, 1, s.HealthFailures)
	assert.Equal(t, controller.StateRunning, s.State)

	// Second consecutive failure crosses the threshold and the monitor
	// replaces the worker. Flip the endpoint back to green shortly after so
	// the replacement can pass its readiness probe.
	go func() {
		time.Sleep(200 * time.Millisecond)
		hs.set(true)
	}()
	m.CheckAll(context.Background())

	s, err = ctl.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, controller.StateRunning, s.State)
	assert.Equal(t, 1, s.Restarts)
	assert.NotEqual(t, info.PID, s.PID, "restart must replace the process")
}

func TestHealthySequenceResetsStreak(t *testing.T) {
	hs := &healthSwitch{ok: false}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	ctl, _, m := newFixture(t, srv.URL, 3)

	// Start with a green endpoint, then alternate below the threshold.
	hs.set(true)
	_, err := ctl.EnsureRunning(context.Background(), "svc")
	require.NoError(t, err)

	hs.set(false)
	m.CheckAll(context.Background())
	m.CheckAll(context.Background())
	hs.set(true)
	m.CheckAll(context.Background())

	s, err := ctl.Status("svc")
	require.NoError(t, err)
	assert.Zero(t, s.HealthFailures)
	assert.Equal(t, controller.StateRunning, s.State)
	assert.Zero(t, s.Restarts)
}

func TestProbesDoNotResetIdleClock(t *testing.T) {
	hs := &healthSwitch{ok: true}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	ctl, _, m := newFixture(t, srv.URL, 3)
	_, err := ctl.EnsureRunning(context.Background(), "svc")
	require.NoError(t, err)

	before, err := ctl.Status("svc")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.CheckAll(context.Background())

	after, err := ctl.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, before.LastAccess, after.LastAccess)
	assert.Equal(t, before.AccessCount, after.AccessCount)
}

func TestMonitorSkipsStoppedServers(t *testing.T) {
	hs := &healthSwitch{ok: false}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	ctl, _, m := newFixture(t, srv.URL, 1)

	// Never started: CheckAll must not probe or restart anything.
	m.CheckAll(context.Background())
	s, err := ctl.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, controller.StateStopped, s.State)
	assert.Zero(t, s.Restarts)
}
