package slumber

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slumberd/slumber/internal/config"
	"github.com/slumberd/slumber/internal/controller"
	"github.com/slumberd/slumber/internal/health"
	"github.com/slumberd/slumber/internal/history"
	"github.com/slumberd/slumber/internal/history/factory"
	"github.com/slumberd/slumber/internal/logger"
	"github.com/slumberd/slumber/internal/metrics"
	"github.com/slumberd/slumber/internal/registry"
	"github.com/slumberd/slumber/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Definition = registry.Definition

type Defaults = registry.Defaults

type Snapshot = controller.Snapshot

type ConnectionInfo = controller.ConnectionInfo

type State = controller.State

const (
	StateStopped   = controller.StateStopped
	StateStarting  = controller.StateStarting
	StateRunning   = controller.StateRunning
	StateStopping  = controller.StateStopping
	StateUnhealthy = controller.StateUnhealthy
)

type Config = config.Config

type HistorySink = history.Sink

// Supervisor is the embeddable facade over the activation controller and its
// background machinery (idle sweeper, health monitor, metrics recorder).
type Supervisor struct {
	cfg *config.Config
	reg *registry.Registry
	ctl *controller.Controller
	rec *metrics.Recorder
	mon *health.Monitor
	log *slog.Logger

	sinks []history.Sink
}

// New builds a supervisor from a config file: registry, controller, durable
// metrics, history sinks, and the health monitor.
func New(cfgPath string) (*Supervisor, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(cfg.Log.Level)

	reg, err := registry.Load(cfg.Registry, cfg.RegistryDefaults())
	if err != nil {
		return nil, err
	}

	s := assemble(cfg, reg, log)
	for _, dsn := range cfg.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink %s: %w", dsn, err)
		}
		s.sinks = append(s.sinks, sink)
	}
	if len(s.sinks) > 0 {
		s.ctl.SetHistorySinks(s.sinks...)
	}
	return s, nil
}

// FromDefinitions builds a supervisor without a config or registry file, for
// embedding and tests. Metrics stay memory-only.
func FromDefinitions(defaults Defaults, defs ...Definition) (*Supervisor, error) {
	reg, err := registry.FromDefinitions(defaults, defs...)
	if err != nil {
		return nil, err
	}
	return assemble(&config.Config{}, reg, slog.Default()), nil
}

func assemble(cfg *config.Config, reg *registry.Registry, log *slog.Logger) *Supervisor {
	ctl := controller.New(reg)
	ctl.SetLogger(log)

	rec := metrics.NewRecorder(cfg.Metrics.File, cfg.Metrics.EventCap, log)
	rec.SetLiveSource(ctl.LiveServers)
	ctl.SetRecorder(rec)

	return &Supervisor{
		cfg: cfg,
		reg: reg,
		ctl: ctl,
		rec: rec,
		mon: health.NewMonitor(ctl, reg, cfg.Health, log),
		log: log,
	}
}

// EnsureRunning returns connection info for name, starting it if needed.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) (ConnectionInfo, error) {
	return s.ctl.EnsureRunning(ctx, name)
}

// RecordAccess resets the idle clock of a running server.
func (s *Supervisor) RecordAccess(name string) error { return s.ctl.RecordAccess(name) }

// Stop stops the named server and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.ctl.Stop(ctx, name, "manual")
}

// Status returns the snapshot for one server.
func (s *Supervisor) Status(name string) (Snapshot, error) { return s.ctl.Status(name) }

// List returns snapshots for all registered servers.
func (s *Supervisor) List() []Snapshot { return s.ctl.List() }

// SweepOnce evicts idle servers immediately and reports how many.
func (s *Supervisor) SweepOnce() int { return s.ctl.SweepOnce() }

// MetricsSnapshot returns the durable metrics document.
func (s *Supervisor) MetricsSnapshot() metrics.Snapshot { return s.rec.Snapshot() }

// Controller exposes the underlying controller for advanced embedding.
func (s *Supervisor) Controller() *controller.Controller { return s.ctl }

// Registry exposes the server registry.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Router builds the HTTP control API handler for this supervisor.
func (s *Supervisor) Router() http.Handler {
	return server.NewRouter(s.ctl, s.rec, s.cfg.Server.BasePath, s.cfg.Metrics.Prometheus).Handler()
}

// ListenAddr is the configured control API listen address.
func (s *Supervisor) ListenAddr() string { return s.cfg.Server.Listen }

// Run starts the background machinery and blocks until ctx is cancelled, then
// stops all workers, flushes metrics, and closes history sinks.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Metrics.Prometheus {
		_ = metrics.Register(prometheus.DefaultRegisterer)
	}

	var wg sync.WaitGroup
	runBg := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	runBg(func(ctx context.Context) { s.ctl.RunSweeper(ctx, s.cfg.Sweep.Interval) })
	runBg(s.mon.Run)
	runBg(func(ctx context.Context) { s.rec.Run(ctx, s.cfg.Metrics.FlushInterval) })
	if interval := s.cfg.Metrics.ResourceSampleInterval; interval > 0 {
		sampler := metrics.NewResourceSampler(interval, s.ctl.LiveServers, s.log)
		runBg(sampler.Run)
	}
	if s.reg.Watchable() {
		runBg(func(ctx context.Context) {
			if err := s.reg.Watch(ctx, s.log); err != nil {
				s.log.Warn("registry watch unavailable", "err", err)
			}
		})
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace())
	defer cancel()
	if err := s.ctl.Shutdown(stopCtx); err != nil {
		s.log.Warn("shutdown incomplete", "err", err)
	}
	wg.Wait()

	for _, sink := range s.sinks {
		_ = sink.Close()
	}
	return nil
}

// shutdownGrace bounds the final stop-everything pass: the largest configured
// grace period plus headroom for the kill escalation.
func (s *Supervisor) shutdownGrace() time.Duration {
	max := 5 * time.Second
	for _, name := range s.reg.Names() {
		if def, ok := s.reg.Lookup(name); ok && def.GracePeriod > max {
			max = def.GracePeriod
		}
	}
	return max + 5*time.Second
}
