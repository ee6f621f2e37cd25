package controller

import (
	"errors"
	"fmt"
	"time"
)

// ErrRestartCapExceeded marks a server that failed health checks more often
// than its restart cap allows within the rolling window. The server is left
// stopped and flagged degraded instead of being retried.
var ErrRestartCapExceeded = errors.New("restart cap exceeded")

// ConfigError reports a request referencing an unknown or unusable server.
// Fatal to that request only.
type ConfigError struct {
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("server %q: %s", e.Name, e.Reason)
}

// SpawnError reports a worker that could not be started or died before
// becoming ready (executable missing, permission denied, early exit).
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %q: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// PortConflictError reports a listen port already bound by another process.
type PortConflictError struct {
	Name string
	Port int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("server %q: port %d already in use", e.Name, e.Port)
}

// StartupTimeoutError reports a worker that did not become ready within its
// startup timeout. The process has been killed and the server is stopped.
type StartupTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("server %q: not ready within %s", e.Name, e.Timeout)
}

// ProcessCrashError reports an unexpected exit while the server was running.
type ProcessCrashError struct {
	Name string
	Err  error
}

func (e *ProcessCrashError) Error() string {
	return fmt.Sprintf("server %q exited unexpectedly: %v", e.Name, e.Err)
}
func (e *ProcessCrashError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsStartupTimeout reports whether err is a StartupTimeoutError.
func IsStartupTimeout(err error) bool {
	var se *StartupTimeoutError
	return errors.As(err, &se)
}
