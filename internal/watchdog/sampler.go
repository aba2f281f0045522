package watchdog

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/types"
)

// Sampler computes per-cycle process snapshots from the inspector. It keeps
// the previous sample's CPU time and working set so deltas survive only for
// one cycle; Reset discards them when a new process episode starts.
type Sampler struct {
	inspector inspect.ProcessInspector
	now       func() time.Time

	hasPrev  bool
	prevCPU  time.Duration
	prevAt   time.Time
	prevWSet uint64
}

// NewSampler creates a sampler reading from the given inspector.
func NewSampler(inspector inspect.ProcessInspector) *Sampler {
	return &Sampler{inspector: inspector, now: time.Now}
}

// Reset discards previous-sample state. Called on every process episode
// transition so the first sample of a new episode reports zero usage.
func (s *Sampler) Reset() {
	s.hasPrev = false
	s.prevCPU = 0
	s.prevWSet = 0
	s.prevAt = time.Time{}
}

// Sample reads a snapshot of the process. threads is the wait-state list
// already enumerated this cycle, so it is not re-read. Fails with
// inspect.ErrMetricsUnavailable when the process vanished between the
// presence check and the read; callers treat that as "process not running".
func (s *Sampler) Sample(ctx context.Context, h inspect.Handle, threads []inspect.ThreadState) (*types.ProcessSnapshot, error) {
	now := s.now()

	cpuTime, err := s.inspector.CPUTime(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("cpu time: %w", err)
	}
	memStats, err := s.inspector.Memory(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	threadCount, handleCount, err := s.inspector.Counts(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}

	snap := &types.ProcessSnapshot{
		Timestamp:       now,
		WorkingSetBytes: memStats.WorkingSetBytes,
		PrivateBytes:    memStats.PrivateBytes,
		PagedBytes:      memStats.PagedBytes,
		ThreadCount:     threadCount,
		HandleCount:     handleCount,
	}
	for _, t := range threads {
		if t.WaitReason.Stalled() {
			snap.DelayedThreads++
		}
	}

	if s.hasPrev {
		wall := now.Sub(s.prevAt).Seconds()
		if wall > 0 {
			usage := (cpuTime - s.prevCPU).Seconds() / wall * 100
			snap.CPUPercent = math.Round(usage*100) / 100
		}
		snap.WorkingSetDelta = int64(memStats.WorkingSetBytes) - int64(s.prevWSet)
	}

	s.hasPrev = true
	s.prevCPU = cpuTime
	s.prevAt = now
	s.prevWSet = memStats.WorkingSetBytes

	return snap, nil
}
