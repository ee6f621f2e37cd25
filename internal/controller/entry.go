package controller

import (
	"sync"
	"time"

	"github.com/slumberd/slumber/internal/process"
	"github.com/slumberd/slumber/internal/registry"
)

// entry owns all mutable state for one server name. Every transition takes
// e.mu, which is the per-server serialization point the state machine relies
// on. The start-attempt latch gives single-flight starts: concurrent callers
// wait on the same attempt and observe one shared result.
type entry struct {
	name string

	mu     sync.Mutex
	def    registry.Definition // definition in effect for the current run
	state  State
	handle *process.Handle

	// attempt is non-nil from the moment a start begins; it survives until
	// the next start so late waiters can still read the outcome.
	attempt *startAttempt
	// stopDone is non-nil while state == Stopping.
	stopDone chan struct{}
	// pendingStop queues a stop issued while a start is in flight.
	pendingStop       bool
	pendingStopReason string

	lastAccess  time.Time
	lastStart   time.Time
	accessCount uint64

	healthFails  int
	restarts     int
	restartTimes []time.Time
	degraded     bool

	// gen increments per spawn so exit watchers can ignore stale processes.
	gen uint64
}

type startAttempt struct {
	done chan struct{}
	info ConnectionInfo
	err  error
}

func (e *entry) snapshotLocked() Snapshot {
	s := Snapshot{
		Name:           e.name,
		State:          e.state,
		LastAccess:     e.lastAccess,
		LastStart:      e.lastStart,
		AccessCount:    e.accessCount,
		Restarts:       e.restarts,
		HealthFailures: e.healthFails,
		Degraded:       e.degraded,
	}
	if e.handle != nil {
		s.PID = e.handle.PID()
	}
	return s
}

func (e *entry) connInfoLocked() ConnectionInfo {
	info := ConnectionInfo{Name: e.name, Port: e.def.Port}
	if e.handle != nil {
		info.PID = e.handle.PID()
	}
	if e.def.Port > 0 {
		info.Addr = localAddr(e.def.Port)
	}
	return info
}

func (e *entry) touchLocked(now time.Time, countAccess bool) {
	if now.After(e.lastAccess) {
		e.lastAccess = now
	}
	if countAccess {
		e.accessCount++
	}
}

// pruneRestartsLocked drops restart timestamps older than the rolling window.
func (e *entry) pruneRestartsLocked(now time.Time) {
	window := e.def.RestartWindow
	keep := e.restartTimes[:0]
	for _, t := range e.restartTimes {
		if now.Sub(t) <= window {
			keep = append(keep, t)
		}
	}
	e.restartTimes = keep
}
