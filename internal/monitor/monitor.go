// Package monitor samples CPU and memory usage of agent processes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const sampleCacheTTL = 2 * time.Second

// ProcessStats is a point-in-time resource sample of one process
type ProcessStats struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

type cached struct {
	stats ProcessStats
	proc  *process.Process
}

// Sampler reads process stats, caching each pid's sample briefly so stats
// calls in a tight loop do not re-scan /proc
type Sampler struct {
	log *slog.Logger

	mu    sync.Mutex
	cache map[int32]*cached
}

// NewSampler creates a sampler
func NewSampler(log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{log: log, cache: make(map[int32]*cached)}
}

// Sample returns resource usage for pid
func (s *Sampler) Sample(ctx context.Context, pid int) (*ProcessStats, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	id := int32(pid)
	now := time.Now()

	s.mu.Lock()
	c, ok := s.cache[id]
	if ok && now.Sub(c.stats.SampledAt) < sampleCacheTTL {
		out := c.stats
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()

	// Reusing the handle lets CPUPercent diff against the previous sample
	var proc *process.Process
	if ok {
		proc = c.proc
	} else {
		p, err := process.NewProcessWithContext(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", pid, err)
		}
		proc = p
	}

	stats := ProcessStats{PID: id, SampledAt: now}

	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	} else {
		s.log.Debug("cpu sample failed", "pid", pid, "error", err)
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("process %d memory: %w", pid, err)
	}
	stats.RSSBytes = mem.RSS

	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}

	s.mu.Lock()
	s.cache[id] = &cached{stats: stats, proc: proc}
	s.mu.Unlock()

	return &stats, nil
}

// Forget drops the cached handle for a pid that has exited
func (s *Sampler) Forget(pid int) {
	s.forget(int32(pid))
}

func (s *Sampler) forget(id int32) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
