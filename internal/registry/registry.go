package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/slumberd/slumber/internal/logger"
)

// Definition describes one lazily activated worker server. Definitions are
// immutable once loaded; a registry reload swaps whole Definition values.
type Definition struct {
	Name           string        `toml:"name" mapstructure:"name" json:"name"`
	Command        string        `toml:"command" mapstructure:"command" json:"command"`
	Args           []string      `toml:"args" mapstructure:"args" json:"args"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir" json:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env" json:"env"`
	Port           int           `toml:"port" mapstructure:"port" json:"port"`
	HealthURL      string        `toml:"health_path" mapstructure:"health_path" json:"health_path"`
	IdleTimeout    time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
	GracePeriod    time.Duration `toml:"grace_period" mapstructure:"grace_period" json:"grace_period"`
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`
	// StartHold is how long a worker without a health address must stay up
	// before it is considered ready.
	StartHold   time.Duration `toml:"start_hold" mapstructure:"start_hold" json:"start_hold"`
	MaxRestarts int           `toml:"max_restarts" mapstructure:"max_restarts" json:"max_restarts"`
	// RestartWindow is the rolling window MaxRestarts is counted over.
	RestartWindow time.Duration `toml:"restart_window" mapstructure:"restart_window" json:"restart_window"`
	Log           logger.Config `toml:"log" mapstructure:"log" json:"log"`
}

// Defaults fill Definition fields left unset by a registry entry.
type Defaults struct {
	IdleTimeout    time.Duration
	GracePeriod    time.Duration
	StartupTimeout time.Duration
	StartHold      time.Duration
	MaxRestarts    int
	RestartWindow  time.Duration
	Log            logger.Config
}

// Fallbacks applied when neither the entry nor the configured defaults say.
var builtin = Defaults{
	IdleTimeout:    5 * time.Minute,
	GracePeriod:    5 * time.Second,
	StartupTimeout: 20 * time.Second,
	StartHold:      time.Second,
	MaxRestarts:    3,
	RestartWindow:  10 * time.Minute,
}

// Registry holds the current set of server definitions. Lookups take a read
// lock; Reload replaces the whole map atomically so running processes keep
// the definition they were started with.
type Registry struct {
	mu       sync.RWMutex
	path     string
	defaults Defaults
	defs     map[string]Definition
}

type registryFile struct {
	Servers []Definition `toml:"servers" mapstructure:"servers"`
}

// Load reads the registry file at path and validates every entry.
func Load(path string, defaults Defaults) (*Registry, error) {
	r := &Registry{path: path, defaults: defaults}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromDefinitions builds a registry without a backing file (embedding, tests).
func FromDefinitions(defaults Defaults, defs ...Definition) (*Registry, error) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		d = applyDefaults(d, defaults)
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", d.Name)
		}
		m[d.Name] = d
	}
	return &Registry{defaults: defaults, defs: m}, nil
}

// Reload re-parses the backing file and swaps the definition map on success.
// On any parse or validation error the previous registry stays in effect.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}
	var rf registryFile
	if err := v.Unmarshal(&rf); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	m := make(map[string]Definition, len(rf.Servers))
	for _, d := range rf.Servers {
		d = applyDefaults(d, r.defaults)
		if err := validate(d); err != nil {
			return fmt.Errorf("registry %s: %w", r.path, err)
		}
		if _, dup := m[d.Name]; dup {
			return fmt.Errorf("registry %s: duplicate server name %q", r.path, d.Name)
		}
		m[d.Name] = d
	}
	r.mu.Lock()
	r.defs = m
	r.mu.Unlock()
	return nil
}

// Lookup returns the definition for name, if registered.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns all registered server names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	return out
}

// Len reports the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func applyDefaults(d Definition, def Defaults) Definition {
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = durOr(def.IdleTimeout, builtin.IdleTimeout)
	}
	if d.GracePeriod <= 0 {
		d.GracePeriod = durOr(def.GracePeriod, builtin.GracePeriod)
	}
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = durOr(def.StartupTimeout, builtin.StartupTimeout)
	}
	if d.StartHold <= 0 {
		d.StartHold = durOr(def.StartHold, builtin.StartHold)
	}
	if d.MaxRestarts <= 0 {
		if def.MaxRestarts > 0 {
			d.MaxRestarts = def.MaxRestarts
		} else {
			d.MaxRestarts = builtin.MaxRestarts
		}
	}
	if d.RestartWindow <= 0 {
		d.RestartWindow = durOr(def.RestartWindow, builtin.RestartWindow)
	}
	if d.Log.Dir == "" && d.Log.StdoutPath == "" && d.Log.StderrPath == "" {
		d.Log = def.Log
	}
	return d
}

func durOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func validate(d Definition) error {
	if !SafeName(d.Name) {
		return fmt.Errorf("invalid server name %q: allowed [A-Za-z0-9._-]", d.Name)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("server %q: command must not be empty", d.Name)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("server %q: port %d out of range", d.Name, d.Port)
	}
	if d.HealthURL != "" && !strings.HasPrefix(d.HealthURL, "http://") && !strings.HasPrefix(d.HealthURL, "https://") {
		return fmt.Errorf("server %q: health_path must be an http(s) URL", d.Name)
	}
	return nil
}

// SafeName validates server names used in filenames and URLs.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func SafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
