package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType labels a lifecycle event kept in the recorder's ring.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventCrash     EventType = "crash"
	EventUnhealthy EventType = "unhealthy"
	EventDegraded  EventType = "degraded"
)

// Event is one entry of the capped lifecycle event ring.
type Event struct {
	Time   time.Time `json:"time"`
	Server string    `json:"server"`
	Type   EventType `json:"type"`
}

// ServerMetrics is the per-server slice of a snapshot.
type ServerMetrics struct {
	Status      string    `json:"status"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount uint64    `json:"access_count"`
}

// Snapshot is the externally readable metrics document. ActiveCount and the
// Servers map are recomputed from live controller state at snapshot time so
// they cannot drift from missed events.
type Snapshot struct {
	ActiveCount int                      `json:"active_count"`
	TotalStarts uint64                   `json:"total_starts"`
	TotalStops  uint64                   `json:"total_stops"`
	Servers     map[string]ServerMetrics `json:"servers"`
	Events      []Event                  `json:"events"`
}

// LiveServer is the narrow live view the recorder pulls from the controller.
type LiveServer struct {
	Name        string
	PID         int
	Status      string
	LastAccess  time.Time
	AccessCount uint64
	Running     bool
}

// PersistenceError wraps a failed snapshot write. The in-memory snapshot
// stays authoritative; callers log and carry on.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist metrics: %v", e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// DefaultEventCap bounds the lifecycle event ring.
const DefaultEventCap = 1000

// Recorder accumulates lifecycle counters and a capped event ring, and
// persists them as JSON. All disk writes happen on the Run goroutine using
// the write-temp-then-rename pattern, so a crash mid-write never corrupts the
// last good snapshot.
type Recorder struct {
	path     string
	eventCap int
	log      *slog.Logger

	mu          sync.Mutex
	totalStarts uint64
	totalStops  uint64
	ring        []Event
	dirty       bool
	live        func() []LiveServer
}

// NewRecorder creates a recorder persisting to path (empty path keeps the
// recorder memory-only). An existing snapshot at path seeds the counters and
// event ring.
func NewRecorder(path string, eventCap int, log *slog.Logger) *Recorder {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{path: path, eventCap: eventCap, log: log}
	r.loadExisting()
	return r
}

// SetLiveSource installs the callback used to recompute active_count and the
// per-server section from live state.
func (r *Recorder) SetLiveSource(fn func() []LiveServer) {
	r.mu.Lock()
	r.live = fn
	r.mu.Unlock()
}

// Record appends a lifecycle event and bumps the aggregate counters.
func (r *Recorder) Record(t EventType, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch t {
	case EventStart:
		r.totalStarts++
	case EventStop, EventCrash:
		r.totalStops++
	}
	r.ring = append(r.ring, Event{Time: time.Now().UTC(), Server: server, Type: t})
	if len(r.ring) > r.eventCap {
		r.ring = r.ring[len(r.ring)-r.eventCap:]
	}
	r.dirty = true
}

// Snapshot returns a copy of the current metrics document.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Snapshot {
	s := Snapshot{
		TotalStarts: r.totalStarts,
		TotalStops:  r.totalStops,
		Servers:     make(map[string]ServerMetrics),
		Events:      append([]Event(nil), r.ring...),
	}
	if r.live != nil {
		for _, ls := range r.live() {
			s.Servers[ls.Name] = ServerMetrics{
				Status:      ls.Status,
				LastAccess:  ls.LastAccess,
				AccessCount: ls.AccessCount,
			}
			if ls.Running {
				s.ActiveCount++
			}
		}
	}
	return s
}

// Run flushes dirty state every interval until ctx is done, then flushes one
// last time. Write failures are logged and retried on the next cycle.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				r.log.Warn("final metrics flush failed", "err", err)
			}
			return
		case <-t.C:
			r.mu.Lock()
			dirty := r.dirty
			r.mu.Unlock()
			if !dirty {
				continue
			}
			if err := r.Flush(); err != nil {
				r.log.Warn("metrics flush failed, keeping in-memory snapshot", "err", err)
			}
		}
	}
}

// Flush persists the current snapshot using temp-file + atomic rename. The
// dirty flag is cleared only once the rename lands, so a failed write is
// retried on the next Run cycle.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	if r.path == "" {
		r.mu.Unlock()
		return nil
	}
	snap := r.snapshotLocked()
	r.dirty = false
	path := r.path
	r.mu.Unlock()

	if err := r.write(path, snap); err != nil {
		// Restore dirty instead of clearing it before the write: events
		// recorded meanwhile stay marked either way.
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Recorder) write(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Err: err}
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &PersistenceError{Err: err}
	}
	return nil
}

// loadExisting seeds counters and the event ring from the last good snapshot.
func (r *Recorder) loadExisting() {
	if r.path == "" {
		return
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.log.Warn("ignoring unreadable metrics snapshot", "path", r.path, "err", err)
		return
	}
	r.totalStarts = snap.TotalStarts
	r.totalStops = snap.TotalStops
	if len(snap.Events) > r.eventCap {
		snap.Events = snap.Events[len(snap.Events)-r.eventCap:]
	}
	r.ring = snap.Events
}
