package controller

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often the idle sweeper wakes up.
const DefaultSweepInterval = 30 * time.Second

// SweepOnce stops every running server whose idle time exceeds its configured
// idle timeout. Stops are dispatched concurrently so one slow worker cannot
// delay eviction of the others; the return value counts dispatched stops, not
// completed ones.
func (c *Controller) SweepOnce() int {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		expired := e.state == StateRunning && now.Sub(e.lastAccess) > e.def.IdleTimeout
		e.mu.Unlock()
		if !expired {
			continue
		}
		n++
		c.log.Info("idle timeout reached", "server", e.name)
		go func(name string) {
			_ = c.Stop(context.Background(), name, "idle")
		}(e.name)
	}
	return n
}

// RunSweeper sweeps every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.SweepOnce()
		}
	}
}
