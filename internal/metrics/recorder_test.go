package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	r := NewRecorder("", 0, nil)
	r.SetLiveSource(func() []LiveServer {
		return []LiveServer{
			{Name: "a", PID: 1, Status: "running", AccessCount: 5, Running: true},
			{Name: "b", Status: "stopped"},
		}
	})

	r.Record(EventStart, "a")
	r.Record(EventStart, "b")
	r.Record(EventStop, "b")
	r.Record(EventCrash, "a")

	s := r.Snapshot()
	assert.Equal(t, uint64(2), s.TotalStarts)
	assert.Equal(t, uint64(2), s.TotalStops, "stop and crash both count")
	assert.Equal(t, 1, s.ActiveCount)
	assert.Len(t, s.Events, 4)
	assert.Equal(t, uint64(5), s.Servers["a"].AccessCount)
	assert.Equal(t, "stopped", s.Servers["b"].Status)
}

func TestEventRingCap(t *testing.T) {
	r := NewRecorder("", 3, nil)
	for i := 0; i < 10; i++ {
		r.Record(EventStart, "x")
	}
	s := r.Snapshot()
	assert.Len(t, s.Events, 3)
	assert.Equal(t, uint64(10), s.TotalStarts, "counters are not capped")
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")

	r := NewRecorder(path, 0, nil)
	r.Record(EventStart, "svc")
	r.Record(EventStop, "svc")
	require.NoError(t, r.Flush())

	// The file is valid JSON with the expected counters.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(b, &snap))
	assert.Equal(t, uint64(1), snap.TotalStarts)

	// A new recorder over the same path picks the counters back up.
	r2 := NewRecorder(path, 0, nil)
	s := r2.Snapshot()
	assert.Equal(t, uint64(1), s.TotalStarts)
	assert.Equal(t, uint64(1), s.TotalStops)
	assert.Len(t, s.Events, 2)
}

func TestLoadIgnoresCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	r := NewRecorder(path, 0, nil)
	s := r.Snapshot()
	assert.Zero(t, s.TotalStarts)

	// Flushing replaces the corrupt file with a good one.
	r.Record(EventStart, "svc")
	require.NoError(t, r.Flush())
	r2 := NewRecorder(path, 0, nil)
	assert.Equal(t, uint64(1), r2.Snapshot().TotalStarts)
}

func TestRunFlushesPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	r := NewRecorder(path, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, 50*time.Millisecond)
	}()

	r.Record(EventStart, "svc")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, err := os.Stat(path)
	assert.NoError(t, err, "periodic flush must write the file")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestFailedFlushStaysDirty(t *testing.T) {
	// Parent directory missing: temp-file creation fails.
	r := NewRecorder(filepath.Join(t.TempDir(), "missing", "metrics.json"), 0, nil)
	r.Record(EventStart, "svc")

	require.Error(t, r.Flush())

	r.mu.Lock()
	dirty := r.dirty
	r.mu.Unlock()
	assert.True(t, dirty, "failed write must leave the snapshot dirty")
}

func TestFailedFlushRetriedNextCycle(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	path := filepath.Join(sub, "metrics.json")

	r := NewRecorder(path, 0, nil)
	r.Record(EventStart, "svc")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, 20*time.Millisecond)
	}()

	// Let a few cycles fail against the missing directory.
	time.Sleep(150 * time.Millisecond)
	_, err := os.Stat(path)
	require.Error(t, err)

	// Clear the failure condition; the loop must flush on its own without a
	// new event re-marking the snapshot dirty.
	require.NoError(t, os.Mkdir(sub, 0o750))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, err = os.Stat(path)
	assert.NoError(t, err, "write must be retried once the path is writable")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}

	r2 := NewRecorder(path, 0, nil)
	assert.Equal(t, uint64(1), r2.Snapshot().TotalStarts)
}

func TestFlushMemoryOnlyIsNoop(t *testing.T) {
	r := NewRecorder("", 0, nil)
	r.Record(EventStart, "svc")
	require.NoError(t, r.Flush())
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	// Unwritable directory path forces a temp-file creation failure.
	r := NewRecorder(filepath.Join(t.TempDir(), "missing-dir", "m.json"), 0, nil)
	r.Record(EventStart, "svc")
	err := r.Flush()
	require.Error(t, err)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
}
