package watchdog

import (
	"fmt"
	"time"

	"github.com/procguard/procguard/internal/types"
)

// StabilityClassifier judges whether the process is in a stable state from
// the configured ceilings. Recovery actions are suppressed while unstable.
type StabilityClassifier struct {
	maxMemoryMB       uint64
	maxCPUPercent     float64
	maxDelayedThreads int
	now               func() time.Time

	lastStable time.Time
}

// NewStabilityClassifier creates a classifier with the given ceilings.
func NewStabilityClassifier(maxMemoryMB uint64, maxCPUPercent float64, maxDelayedThreads int) *StabilityClassifier {
	return &StabilityClassifier{
		maxMemoryMB:       maxMemoryMB,
		maxCPUPercent:     maxCPUPercent,
		maxDelayedThreads: maxDelayedThreads,
		now:               time.Now,
	}
}

// IsStable evaluates the snapshot against the ceilings. When stable it
// refreshes the last-known-stable timestamp; the timestamp is informational
// (incident reports), never an alerting input.
func (c *StabilityClassifier) IsStable(snap *types.ProcessSnapshot) (bool, []string) {
	var reasons []string

	if mb := snap.WorkingSetMB(); mb > c.maxMemoryMB {
		reasons = append(reasons, fmt.Sprintf("memory %dMB exceeds ceiling %dMB", mb, c.maxMemoryMB))
	}
	if snap.CPUPercent > c.maxCPUPercent {
		reasons = append(reasons, fmt.Sprintf("cpu %.2f%% exceeds ceiling %.2f%%", snap.CPUPercent, c.maxCPUPercent))
	}
	if snap.DelayedThreads > c.maxDelayedThreads {
		reasons = append(reasons, fmt.Sprintf("%d delayed threads exceed ceiling %d", snap.DelayedThreads, c.maxDelayedThreads))
	}

	if len(reasons) > 0 {
		return false, reasons
	}
	c.lastStable = c.now()
	return true, nil
}

// LastStable returns when the process was last classified stable, zero if
// never.
func (c *StabilityClassifier) LastStable() time.Time {
	return c.lastStable
}
