// Package monitor samples process and host health for the /api/health
// endpoint and the periodic log line. Snapshots are cached briefly so a
// polling health check never hammers the OS.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	ProcessCPU float64 `json:"process_cpu"`
	ProcessRSS uint64  `json:"process_rss"`
	Goroutines int     `json:"goroutines"`

	Platform    string `json:"platform"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type Service struct {
	log  *slog.Logger
	self *process.Process

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	snapAt  time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("monitor: own process handle unavailable", "error", err)
		self = nil
	}
	return &Service{log: log, self: self}
}

// Snapshot returns current health metrics, reusing a recent sample.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snapAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.snapAt = now
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

// Run logs one snapshot per interval until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot(ctx)
			s.log.Info("health",
				"cpu_usage", snap.CPUUsage,
				"process_cpu", snap.ProcessCPU,
				"process_rss", snap.ProcessRSS,
				"goroutines", snap.Goroutines)
		}
	}
}

func (s *Service) collect(ctx context.Context) Snapshot {
	collectedAt := time.Now()
	snap := Snapshot{
		Platform:    runtime.GOOS,
		Goroutines:  runtime.NumGoroutine(),
		TimestampMs: collectedAt.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.CPUUsage = usage
	} else {
		s.log.Warn("monitor: cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("monitor: cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if s.self != nil {
		if pct, err := s.self.CPUPercentWithContext(ctx); err == nil {
			snap.ProcessCPU = pct
		}
		if mem, err := s.self.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snap.ProcessRSS = mem.RSS
		}
	}
	return snap
}

// readCPUUsage samples without blocking first (diff from the last call),
// falling back to a short blocking interval to bootstrap.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
