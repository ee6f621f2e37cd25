package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/slumberd/slumber/internal/controller"
	"github.com/slumberd/slumber/internal/registry"
)

// CheckFailure reports one failed probe against a worker's health address.
type CheckFailure struct {
	Server string
	URL    string
	Status int
	Err    error
}

func (e *CheckFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("health check %s (%s): %v", e.Server, e.URL, e.Err)
	}
	return fmt.Sprintf("health check %s (%s): status %d", e.Server, e.URL, e.Status)
}

func (e *CheckFailure) Unwrap() error { return e.Err }

// Config tunes the background health monitor.
type Config struct {
	Interval         time.Duration `toml:"interval" mapstructure:"interval"`
	FailureThreshold int           `toml:"failure_threshold" mapstructure:"failure_threshold"`
	ProbeTimeout     time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return c
}

// Monitor probes every running worker that declares a health address and
// drives the unhealthy-restart path once a worker fails enough consecutive
// probes. Workers without a health address are never probed. Probes are not
// user traffic and do not reset a worker's idle clock.
type Monitor struct {
	ctl    *controller.Controller
	reg    *registry.Registry
	cfg    Config
	log    *slog.Logger
	client *http.Client
}

// NewMonitor creates a monitor over ctl using health addresses from reg.
func NewMonitor(ctl *controller.Controller, reg *registry.Registry, cfg Config, log *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		ctl:    ctl,
		reg:    reg,
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Run probes on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every running worker once, in parallel, and handles any
// worker that crossed the failure threshold.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.ctl.List() {
		if s.State != controller.StateRunning {
			continue
		}
		def, ok := m.reg.Lookup(s.Name)
		if !ok || def.HealthURL == "" {
			continue
		}
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			m.checkOne(ctx, name, url)
		}(s.Name, def.HealthURL)
	}
	wg.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, name, url string) {
	err := m.Probe(ctx, name, url)
	if err == nil {
		_, _ = m.ctl.ReportHealth(name, true)
		return
	}

	fails, rerr := m.ctl.ReportHealth(name, false)
	if rerr != nil || fails == 0 {
		return
	}
	m.log.Warn("health probe failed", "server", name, "fails", fails, "err", err)
	if fails < m.cfg.FailureThreshold {
		return
	}

	_ = m.ctl.MarkUnhealthy(name, err.Error())
	if err := m.ctl.RestartUnhealthy(ctx, name); err != nil {
		if errors.Is(err, controller.ErrRestartCapExceeded) {
			m.log.Error("worker degraded", "server", name)
			return
		}
		m.log.Error("unhealthy restart failed", "server", name, "err", err)
	}
}

// Probe performs one health request. A 2xx response is healthy; anything
// else, including transport errors, returns a CheckFailure.
func (m *Monitor) Probe(ctx context.Context, name, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &CheckFailure{Server: name, URL: url, Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return &CheckFailure{Server: name, URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CheckFailure{Server: name, URL: url, Status: resp.StatusCode}
	}
	return nil
}
