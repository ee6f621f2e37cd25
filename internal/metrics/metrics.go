package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		}, []string{"name", "reason"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of health-triggered restarts.",
		}, []string{"name"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "health_check_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"name"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the worker reported ready.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slumber",
			Subsystem: "server",
			Name:      "running",
			Help:      "Current number of running workers.",
		},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slumber",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "Sampled CPU usage of a running worker.",
		}, []string{"name"},
	)
	workerMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slumber",
			Subsystem: "worker",
			Name:      "memory_mb",
			Help:      "Sampled resident memory of a running worker in MB.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStops, serverRestarts, healthFailures, startupDuration, runningServers, workerCPU, workerMemoryMB}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages; no-ops until Register is called.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name, reason string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name, reason).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(name).Inc()
	}
}

func IncHealthFailure(name string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(name).Inc()
	}
}

func ObserveStartupDuration(name string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetRunningServers(n int) {
	if regOK.Load() {
		runningServers.Set(float64(n))
	}
}

func SetWorkerResources(name string, cpuPercent, memoryMB float64) {
	if regOK.Load() {
		workerCPU.WithLabelValues(name).Set(cpuPercent)
		workerMemoryMB.WithLabelValues(name).Set(memoryMB)
	}
}
