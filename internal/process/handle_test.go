//go:build !windows

package process

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slumberd/slumber/internal/registry"
)

func spawnSleeper(t *testing.T, seconds string) *Handle {
	t.Helper()
	h, err := Spawn(registry.Definition{Name: "t", Command: "sleep " + seconds}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Kill()
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return h
}

func TestSpawnAndReap(t *testing.T) {
	h, err := Spawn(registry.Definition{Name: "t", Command: "sh -c 'exit 0'"}, nil)
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.False(t, h.StartedAt().IsZero())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never reaped")
	}
	assert.NoError(t, h.ExitErr())
	assert.False(t, h.Alive())
}

func TestExitErrCarriesStatus(t *testing.T) {
	h, err := Spawn(registry.Definition{Name: "t", Command: "sh -c 'exit 3'"}, nil)
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never reaped")
	}
	assert.Error(t, h.ExitErr())
}

func TestAliveWhileRunning(t *testing.T) {
	h := spawnSleeper(t, "60")
	assert.True(t, h.Alive())
}

func TestStopGracefullyTerminates(t *testing.T) {
	h := spawnSleeper(t, "60")
	start := time.Now()
	require.NoError(t, h.StopGracefully(5*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second, "sleep honors SIGTERM immediately")
	assert.False(t, h.Alive())

	// Stopping an already dead process is a no-op.
	require.NoError(t, h.StopGracefully(time.Second))
}

func TestStopGracefullyEscalatesToKill(t *testing.T) {
	// Worker that ignores SIGTERM.
	h, err := Spawn(registry.Definition{
		Name:    "stubborn",
		Command: "sh -c 'trap \"\" TERM; sleep 60'",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Kill() })

	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, h.StopGracefully(500*time.Millisecond))
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kill escalation did not reap the process")
	}
}

func TestSpawnRefusesBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = Spawn(registry.Definition{Name: "t", Command: "sleep 60", Port: port}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortBusy))
}

func TestSpawnUnknownBinary(t *testing.T) {
	_, err := Spawn(registry.Definition{Name: "t", Command: "/nonexistent/xyz-binary"}, nil)
	require.Error(t, err)
}

func TestExtraEnvReachesWorker(t *testing.T) {
	dir := t.TempDir()
	h, err := Spawn(registry.Definition{
		Name:    "env",
		Command: "sh -c 'echo -n $SLUMBER_TEST_VALUE > \"$SLUMBER_TEST_OUT\"'",
		Env:     []string{"SLUMBER_TEST_VALUE=hello"},
	}, []string{"SLUMBER_TEST_OUT=" + dir + "/out"})
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never finished")
	}
	requireFileContent(t, dir+"/out", "hello")
}
