package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/slumberd/slumber/internal/health"
	"github.com/slumberd/slumber/internal/logger"
	"github.com/slumberd/slumber/internal/metrics"
	"github.com/slumberd/slumber/internal/registry"
)

// Config is the supervisor's own configuration, distinct from the server
// registry it points at. Loaded from TOML; a few fields can be overridden
// through SLUMBER_* environment variables for container deployments.
type Config struct {
	// Registry is the path to the server registry TOML file.
	Registry string `toml:"registry" mapstructure:"registry"`

	Server    ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig  `toml:"history" mapstructure:"history"`
	Defaults  DefaultsConfig `toml:"defaults" mapstructure:"defaults"`
	Sweep     SweepConfig    `toml:"sweep" mapstructure:"sweep"`
	Health    health.Config  `toml:"health" mapstructure:"health"`
	Log       LogConfig      `toml:"log" mapstructure:"log"`
	WorkerLog logger.Config  `toml:"worker_log" mapstructure:"worker_log"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// MetricsConfig configures the durable metrics recorder and Prometheus.
type MetricsConfig struct {
	File          string        `toml:"file" mapstructure:"file"`
	FlushInterval time.Duration `toml:"flush_interval" mapstructure:"flush_interval"`
	EventCap      int           `toml:"event_cap" mapstructure:"event_cap"`
	Prometheus    bool          `toml:"prometheus" mapstructure:"prometheus"`
	// ResourceSampleInterval enables per-worker CPU/memory sampling when > 0.
	ResourceSampleInterval time.Duration `toml:"resource_sample_interval" mapstructure:"resource_sample_interval"`
}

// HistoryConfig lists external lifecycle event sinks by DSN.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// DefaultsConfig supplies registry-wide fallbacks for per-server settings.
type DefaultsConfig struct {
	IdleTimeout    time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	GracePeriod    time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	StartHold      time.Duration `toml:"start_hold" mapstructure:"start_hold"`
	MaxRestarts    int           `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartWindow  time.Duration `toml:"restart_window" mapstructure:"restart_window"`
}

// SweepConfig tunes the idle sweeper.
type SweepConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// LogConfig configures the supervisor's own slog output.
type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
}

// Load reads the supervisor config at path and applies environment overrides.
// Relative paths inside the file (registry, metrics file) are resolved
// against the config file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("slumber")
	_ = v.BindEnv("registry")
	_ = v.BindEnv("metrics.file", "SLUMBER_METRICS_FILE")
	_ = v.BindEnv("server.listen", "SLUMBER_LISTEN")

	v.SetDefault("server.listen", ":8372")
	v.SetDefault("metrics.flush_interval", "2s")
	v.SetDefault("metrics.event_cap", metrics.DefaultEventCap)
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("sweep.interval", "30s")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Registry = resolve(base, cfg.Registry)
	cfg.Metrics.File = resolve(base, cfg.Metrics.File)

	if cfg.Registry == "" {
		return nil, fmt.Errorf("config %s: registry path must be set", path)
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// RegistryDefaults converts the config's fallback section into the registry's
// Defaults value, carrying the worker log defaults along.
func (c *Config) RegistryDefaults() registry.Defaults {
	return registry.Defaults{
		IdleTimeout:    c.Defaults.IdleTimeout,
		GracePeriod:    c.Defaults.GracePeriod,
		StartupTimeout: c.Defaults.StartupTimeout,
		StartHold:      c.Defaults.StartHold,
		MaxRestarts:    c.Defaults.MaxRestarts,
		RestartWindow:  c.Defaults.RestartWindow,
		Log:            c.WorkerLog,
	}
}
