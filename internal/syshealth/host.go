// Package syshealth samples host-level resource usage for the Agent
// Runtime's automatic "host" health component. Sampling runs on a bounded
// background interval and is read from a cache by the health loop, never
// inline on the request path — the health loop must never block on a
// syscall.
package syshealth

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time snapshot of process/host resource usage.
type Sample struct {
	CPUPercent    float64
	RSSBytes      uint64
	SystemMemUsed float64 // percent
	SampledAt     time.Time
}

// Sampler keeps the most recent Sample, refreshed on Interval.
type Sampler struct {
	interval time.Duration

	mu   sync.RWMutex
	last Sample
	proc *process.Process
}

// NewSampler creates a sampler for the current process. interval defaults
// to 5s when <= 0.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p, _ := process.NewProcess(int32(currentPID()))
	return &Sampler{interval: interval, proc: p}
}

// Run samples on Interval until ctx is cancelled. Intended to be started via
// the Agent Runtime's register_background.
func (s *Sampler) Run(ctx context.Context) {
	s.refresh()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Sampler) refresh() {
	var sample Sample
	sample.SampledAt = time.Now()

	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			sample.CPUPercent = pct
		}
		if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
			sample.RSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		sample.SystemMemUsed = vm.UsedPercent
	}
	// cpu.Percent with 0 interval returns the usage since the previous call,
	// used as a host-wide fallback when the process handle is unavailable.
	if s.proc == nil {
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			sample.CPUPercent = pcts[0]
		}
	}

	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
}

// Last returns the most recently sampled value. Safe to call from the
// health loop: it never blocks on a syscall.
func (s *Sampler) Last() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
