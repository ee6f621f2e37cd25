package metrics

import (
	"context"
	"log/slog"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler periodically samples CPU and memory of running workers and
// exports them as gauges. Sampling is observational only; it never feeds back
// into activation or idle decisions.
type ResourceSampler struct {
	interval time.Duration
	live     func() []LiveServer
	log      *slog.Logger
}

func NewResourceSampler(interval time.Duration, live func() []LiveServer, log *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResourceSampler{interval: interval, live: live, log: log}
}

// Run samples until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sampleOnce()
		}
	}
}

func (s *ResourceSampler) sampleOnce() {
	for _, ls := range s.live() {
		if !ls.Running || ls.PID == 0 {
			continue
		}
		p, err := gops.NewProcess(int32(ls.PID))
		if err != nil {
			continue
		}
		cpu, err := p.CPUPercent()
		if err != nil {
			continue
		}
		var memMB float64
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			memMB = float64(mi.RSS) / (1024 * 1024)
		}
		SetWorkerResources(ls.Name, cpu, memMB)
	}
}
