package controller

import "time"

// State is a server's lifecycle state. All transitions for one server are
// serialized through that server's entry lock; different servers transition
// fully in parallel.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Running -> Unhealthy -> (restart) Starting | (cap hit) Stopped+degraded
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateUnhealthy State = "unhealthy"
)

// ConnectionInfo is what a caller needs to talk to a running worker.
type ConnectionInfo struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	Port int    `json:"port"`
	Addr string `json:"addr,omitempty"`
}

// Snapshot is a point-in-time copy of one server's state.
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	PID            int       `json:"pid,omitempty"`
	LastAccess     time.Time `json:"last_access"`
	LastStart      time.Time `json:"last_start"`
	AccessCount    uint64    `json:"access_count"`
	Restarts       int       `json:"restarts"`
	HealthFailures int       `json:"health_failures"`
	Degraded       bool      `json:"degraded"`
}
