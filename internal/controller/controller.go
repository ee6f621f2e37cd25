package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/slumberd/slumber/internal/history"
	"github.com/slumberd/slumber/internal/metrics"
	"github.com/slumberd/slumber/internal/process"
	"github.com/slumberd/slumber/internal/registry"
)

// Controller is the activation engine: it starts workers on demand, tracks
// their lifecycle, and stops them when idle or unhealthy. One entry per server
// name; operations on different servers never block each other.
type Controller struct {
	reg *registry.Registry
	log *slog.Logger

	probe *http.Client

	mu      sync.Mutex
	entries map[string]*entry

	rec   *metrics.Recorder
	sinks []history.Sink
}

// New creates a controller over the given registry.
func New(reg *registry.Registry) *Controller {
	return &Controller{
		reg:     reg,
		log:     slog.Default(),
		probe:   &http.Client{Timeout: 2 * time.Second},
		entries: make(map[string]*entry),
	}
}

// SetLogger overrides the default logger.
func (c *Controller) SetLogger(l *slog.Logger) {
	if l != nil {
		c.log = l
	}
}

// SetRecorder attaches a durable metrics recorder.
func (c *Controller) SetRecorder(r *metrics.Recorder) { c.rec = r }

// SetHistorySinks attaches lifecycle event sinks.
func (c *Controller) SetHistorySinks(sinks ...history.Sink) { c.sinks = sinks }

func localAddr(port int) string { return "127.0.0.1:" + strconv.Itoa(port) }

// EnsureRunning returns connection info for name, starting the worker first
// if needed. Concurrent callers for the same server share a single start
// attempt and all receive its result. The call counts as a user access.
func (c *Controller) EnsureRunning(ctx context.Context, name string) (ConnectionInfo, error) {
	return c.ensure(ctx, name, true)
}

func (c *Controller) ensure(ctx context.Context, name string, countAccess bool) (ConnectionInfo, error) {
	e, err := c.entryFor(name)
	if err != nil {
		return ConnectionInfo{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return ConnectionInfo{}, err
		}
		e.mu.Lock()
		switch e.state {
		case StateRunning:
			info := e.connInfoLocked()
			e.touchLocked(time.Now(), countAccess)
			e.mu.Unlock()
			return info, nil

		case StateStarting:
			att := e.attempt
			e.mu.Unlock()
			select {
			case <-att.done:
				if att.err != nil {
					return ConnectionInfo{}, att.err
				}
				e.mu.Lock()
				if e.state == StateRunning {
					e.touchLocked(time.Now(), countAccess)
				}
				e.mu.Unlock()
				return att.info, nil
			case <-ctx.Done():
				return ConnectionInfo{}, ctx.Err()
			}

		case StateStopping:
			ch := e.stopDone
			e.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ConnectionInfo{}, ctx.Err()
			}

		case StateUnhealthy:
			// An unresponsive process may still be holding the port; take it
			// down first, then fall through to a fresh start.
			h := e.handle
			grace := e.def.GracePeriod
			if h != nil {
				e.state = StateStopping
				e.stopDone = make(chan struct{})
				e.mu.Unlock()
				c.finishStop(e, h, grace, "unhealthy")
				continue
			}
			e.state = StateStopped
			e.mu.Unlock()

		case StateStopped:
			def, ok := c.reg.Lookup(name)
			if !ok {
				e.mu.Unlock()
				return ConnectionInfo{}, &ConfigError{Name: name, Reason: "not registered"}
			}
			// Explicit activation clears the degraded latch; the operator or
			// caller is asking for another try.
			e.degraded = false
			e.def = def
			att := &startAttempt{done: make(chan struct{})}
			e.attempt = att
			e.state = StateStarting
			e.gen++
			gen := e.gen
			e.mu.Unlock()

			info, err := c.runStart(e, def, gen, att, countAccess)
			if err != nil {
				return ConnectionInfo{}, err
			}
			return info, nil
		}
	}
}

// runStart performs the spawn + readiness wait for a start the caller has
// already latched, finalizes the entry, and services any stop queued while
// the start was in flight.
func (c *Controller) runStart(e *entry, def registry.Definition, gen uint64, att *startAttempt, countAccess bool) (ConnectionInfo, error) {
	started := time.Now()
	h, err := c.spawnReady(e.name, def)

	e.mu.Lock()
	var info ConnectionInfo
	if err != nil {
		e.state = StateStopped
		e.handle = nil
	} else {
		e.handle = h
		e.state = StateRunning
		now := time.Now()
		e.lastStart = now
		e.lastAccess = now
		if countAccess {
			e.accessCount++
		}
		e.healthFails = 0
		info = e.connInfoLocked()
	}
	att.info, att.err = info, err
	pending := e.pendingStop
	reason := e.pendingStopReason
	e.pendingStop = false
	e.pendingStopReason = ""
	close(att.done)
	e.mu.Unlock()

	if err != nil {
		c.log.Error("worker start failed", "server", e.name, "err", err)
		return ConnectionInfo{}, err
	}

	metrics.IncStart(e.name)
	metrics.ObserveStartupDuration(e.name, time.Since(started).Seconds())
	c.recordEvent(metrics.EventStart, e.name, info.PID, "")
	c.updateRunningGauge()
	c.log.Info("worker started", "server", e.name, "pid", info.PID, "port", def.Port)

	go c.watchExit(e, h, gen)

	if pending {
		_ = c.Stop(context.Background(), e.name, reason)
	}
	return info, nil
}

// spawnReady spawns the worker and waits for it to become ready: a 2xx from
// its health address, or surviving the start hold when it has none. On
// timeout the process is killed before returning.
func (c *Controller) spawnReady(name string, def registry.Definition) (*process.Handle, error) {
	h, err := process.Spawn(def, nil)
	if err != nil {
		if errors.Is(err, process.ErrPortBusy) {
			return nil, &PortConflictError{Name: name, Port: def.Port}
		}
		return nil, &SpawnError{Name: name, Err: err}
	}

	if def.HealthURL == "" {
		hold := def.StartHold
		if hold > def.StartupTimeout {
			hold = def.StartupTimeout
		}
		select {
		case <-h.Done():
			return nil, &SpawnError{Name: name, Err: exitReason(h)}
		case <-time.After(hold):
			return h, nil
		}
	}

	deadline := time.NewTimer(def.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.probeOK(def.HealthURL) {
			return h, nil
		}
		select {
		case <-h.Done():
			return nil, &SpawnError{Name: name, Err: exitReason(h)}
		case <-deadline.C:
			_ = h.Kill()
			select {
			case <-h.Done():
			case <-time.After(2 * time.Second):
			}
			return nil, &StartupTimeoutError{Name: name, Timeout: def.StartupTimeout}
		case <-tick.C:
		}
	}
}

func exitReason(h *process.Handle) error {
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("exited during startup: %w", err)
	}
	return errors.New("exited during startup")
}

func (c *Controller) probeOK(url string) bool {
	resp, err := c.probe.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// watchExit turns an unexpected process exit into a crash transition. The
// generation guard makes a watcher for a replaced process a no-op, and a stop
// already in progress (state Stopping) keeps ownership of the transition.
func (c *Controller) watchExit(e *entry, h *process.Handle, gen uint64) {
	<-h.Done()
	e.mu.Lock()
	if e.gen != gen || (e.state != StateRunning && e.state != StateUnhealthy) {
		e.mu.Unlock()
		return
	}
	pid := h.PID()
	e.state = StateStopped
	e.handle = nil
	e.mu.Unlock()

	crash := &ProcessCrashError{Name: e.name, Err: h.ExitErr()}
	c.log.Warn("worker exited unexpectedly", "server", e.name, "pid", pid, "err", h.ExitErr())
	metrics.IncStop(e.name, "crash")
	c.recordEvent(metrics.EventCrash, e.name, pid, crash.Error())
	c.updateRunningGauge()
}

// RecordAccess marks user traffic on a running server, resetting its idle
// clock. Access to a server that is not running is ignored; callers use
// EnsureRunning when they need the worker up.
func (c *Controller) RecordAccess(name string) error {
	e, err := c.entryFor(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateRunning {
		e.touchLocked(time.Now(), true)
	}
	e.mu.Unlock()
	return nil
}

// Stop takes the named server down, waiting for the process to exit. Stopping
// a stopped server is a no-op. A stop issued during a start is queued and
// executed once the start resolves; if the start failed there is nothing to
// stop. Reason labels the stop in metrics and history ("idle", "manual",
// "shutdown", ...).
func (c *Controller) Stop(ctx context.Context, name, reason string) error {
	e, err := c.entryFor(name)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		switch e.state {
		case StateStopped:
			e.mu.Unlock()
			return nil

		case StateStarting:
			e.pendingStop = true
			if e.pendingStopReason == "" {
				e.pendingStopReason = reason
			}
			att := e.attempt
			e.mu.Unlock()
			select {
			case <-att.done:
				if att.err != nil {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateStopping:
			ch := e.stopDone
			e.mu.Unlock()
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateRunning, StateUnhealthy:
			h := e.handle
			grace := e.def.GracePeriod
			e.state = StateStopping
			e.stopDone = make(chan struct{})
			e.mu.Unlock()
			c.finishStop(e, h, grace, reason)
			return nil
		}
	}
}

// finishStop runs the graceful stop outside the entry lock and completes the
// Stopping -> Stopped transition. Callers must have set state to Stopping and
// installed stopDone first.
func (c *Controller) finishStop(e *entry, h *process.Handle, grace time.Duration, reason string) {
	var pid int
	if h != nil {
		pid = h.PID()
		_ = h.StopGracefully(grace)
	}
	e.mu.Lock()
	e.state = StateStopped
	e.handle = nil
	ch := e.stopDone
	e.stopDone = nil
	e.mu.Unlock()
	close(ch)

	metrics.IncStop(e.name, reason)
	c.recordEvent(metrics.EventStop, e.name, pid, reason)
	c.updateRunningGauge()
	c.log.Info("worker stopped", "server", e.name, "pid", pid, "reason", reason)
}

// ReportHealth feeds one probe result into the server's consecutive-failure
// counter and returns the updated count. Results for a server that is not
// running are discarded.
func (c *Controller) ReportHealth(name string, healthy bool) (int, error) {
	e, err := c.entryFor(name)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return 0, nil
	}
	if healthy {
		e.healthFails = 0
		return 0, nil
	}
	e.healthFails++
	metrics.IncHealthFailure(name)
	return e.healthFails, nil
}

// MarkUnhealthy transitions a running server to Unhealthy and emits the
// lifecycle event. No-op in any other state.
func (c *Controller) MarkUnhealthy(name, detail string) error {
	e, err := c.entryFor(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateUnhealthy
	var pid int
	if e.handle != nil {
		pid = e.handle.PID()
	}
	e.mu.Unlock()

	c.log.Warn("worker marked unhealthy", "server", name, "pid", pid, "detail", detail)
	c.recordEvent(metrics.EventUnhealthy, name, pid, detail)
	c.updateRunningGauge()
	return nil
}

// RestartUnhealthy stops and restarts a server that failed its health checks,
// subject to the per-server restart cap over its rolling window. When the cap
// is hit the server is stopped, flagged degraded, and left down; the error
// wraps ErrRestartCapExceeded. The restart does not count as user access.
func (c *Controller) RestartUnhealthy(ctx context.Context, name string) error {
	e, err := c.entryFor(name)
	if err != nil {
		return err
	}

	now := time.Now()
	e.mu.Lock()
	e.pruneRestartsLocked(now)
	if len(e.restartTimes) >= e.def.MaxRestarts {
		e.degraded = true
		maxRestarts := e.def.MaxRestarts
		var pid int
		if e.handle != nil {
			pid = e.handle.PID()
		}
		e.mu.Unlock()
		_ = c.Stop(ctx, name, "degraded")
		c.log.Error("restart cap exceeded, leaving server down", "server", name, "cap", maxRestarts)
		c.recordEvent(metrics.EventDegraded, name, pid, "restart cap exceeded")
		return fmt.Errorf("server %q: %w", name, ErrRestartCapExceeded)
	}
	e.restartTimes = append(e.restartTimes, now)
	e.restarts++
	e.mu.Unlock()

	if err := c.Stop(ctx, name, "health"); err != nil {
		return err
	}
	metrics.IncRestart(name)
	c.log.Info("restarting unhealthy worker", "server", name)
	_, err = c.ensure(ctx, name, false)
	return err
}

// Status returns a snapshot for one server. Servers that were never activated
// report as stopped.
func (c *Controller) Status(name string) (Snapshot, error) {
	if _, ok := c.reg.Lookup(name); !ok {
		return Snapshot{}, &ConfigError{Name: name, Reason: "not registered"}
	}
	c.mu.Lock()
	e := c.entries[name]
	c.mu.Unlock()
	if e == nil {
		return Snapshot{Name: name, State: StateStopped}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns snapshots for every registered server, sorted by name.
func (c *Controller) List() []Snapshot {
	names := c.reg.Names()
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		s, err := c.Status(n)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// RunningCount reports how many servers are currently running.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateRunning {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// LiveServers adapts controller state into the recorder's live view.
func (c *Controller) LiveServers() []metrics.LiveServer {
	out := make([]metrics.LiveServer, 0)
	for _, s := range c.List() {
		out = append(out, metrics.LiveServer{
			Name:        s.Name,
			PID:         s.PID,
			Status:      string(s.State),
			LastAccess:  s.LastAccess,
			AccessCount: s.AccessCount,
			Running:     s.State == StateRunning,
		})
	}
	return out
}

// Shutdown stops every non-stopped server concurrently and waits for all of
// them, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = c.Stop(ctx, name, "shutdown")
		}(n)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) entryFor(name string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	def, ok := c.reg.Lookup(name)
	if !ok {
		return nil, &ConfigError{Name: name, Reason: "not registered"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		return e, nil
	}
	e := &entry{name: name, def: def, state: StateStopped}
	c.entries[name] = e
	return e, nil
}

func (c *Controller) updateRunningGauge() {
	metrics.SetRunningServers(c.RunningCount())
}

func (c *Controller) recordEvent(t metrics.EventType, name string, pid int, detail string) {
	if c.rec != nil {
		c.rec.Record(t, name)
	}
	if len(c.sinks) == 0 {
		return
	}
	ev := history.Event{
		Type:       history.EventType(t),
		OccurredAt: time.Now().UTC(),
		Server:     name,
		PID:        pid,
		Detail:     detail,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, s := range c.sinks {
		if err := s.Send(ctx, ev); err != nil {
			c.log.Debug("history sink send failed", "server", name, "event", string(t), "err", err)
		}
	}
}
