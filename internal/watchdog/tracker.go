package watchdog

import (
	"sort"
	"time"

	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/types"
)

// StallTracker maintains the per-thread stall-episode state across polling
// cycles. It is owned by the supervisor loop's single goroutine; no locking.
type StallTracker struct {
	warnThreshold     time.Duration
	criticalThreshold time.Duration
	purgeWindow       time.Duration
	now               func() time.Time

	entries map[int]*types.ThreadStallState
}

// NewStallTracker creates a tracker. purgeWindow is how long a thread may be
// absent from the stalled set before its entry is purged (2×MonitorInterval).
func NewStallTracker(warnThreshold, criticalThreshold, purgeWindow time.Duration) *StallTracker {
	return &StallTracker{
		warnThreshold:     warnThreshold,
		criticalThreshold: criticalThreshold,
		purgeWindow:       purgeWindow,
		now:               time.Now,
		entries:           make(map[int]*types.ThreadStallState),
	}
}

// Update advances episode state from the current thread wait states and
// returns the threads past the warning threshold plus the IDs purged this
// cycle. Problem threads are unordered; the recovery controller imposes
// longest-stalled-first priority.
func (t *StallTracker) Update(threads []inspect.ThreadState) (problems []types.ProblemThread, cleared []int) {
	now := t.now()

	stalled := make(map[int]inspect.ThreadState)
	for _, th := range threads {
		if th.WaitReason.Stalled() {
			stalled[th.ID] = th
		}
	}

	for tid, th := range stalled {
		entry, ok := t.entries[tid]
		if !ok {
			t.entries[tid] = &types.ThreadStallState{
				ThreadID:     tid,
				FirstSeen:    now,
				LastSeen:     now,
				Observations: 1,
				Phase:        types.PhaseObserving,
				Attributes: types.ThreadAttributes{
					Priority:   th.Priority,
					WaitReason: th.WaitReason,
					StartTime:  th.StartTime,
				},
			}
			continue
		}
		entry.Observations++
		entry.LastSeen = now
	}

	for tid, entry := range t.entries {
		if _, ok := stalled[tid]; ok {
			continue
		}
		if now.Sub(entry.LastSeen) > t.purgeWindow {
			entry.Phase = types.PhaseCleared
			delete(t.entries, tid)
			cleared = append(cleared, tid)
		}
	}

	for _, entry := range t.entries {
		dur := entry.Duration()
		if dur > t.warnThreshold {
			problems = append(problems, types.ProblemThread{
				ThreadID:         entry.ThreadID,
				StalledFor:       dur,
				Observations:     entry.Observations,
				RecoveryAttempts: entry.RecoveryAttempts,
				Critical:         dur > t.criticalThreshold,
			})
		}
	}
	sort.Ints(cleared)
	return problems, cleared
}

// Attempts returns the recovery-attempt count for a thread, zero if
// untracked.
func (t *StallTracker) Attempts(tid int) int {
	if entry, ok := t.entries[tid]; ok {
		return entry.RecoveryAttempts
	}
	return 0
}

// RecordAttempt increments a thread's attempt counter and moves it to the
// recovering phase. Counters are monotonic: they reset only when the episode
// ends.
func (t *StallTracker) RecordAttempt(tid int) {
	if entry, ok := t.entries[tid]; ok {
		entry.RecoveryAttempts++
		entry.Phase = types.PhaseRecovering
	}
}

// Snapshot returns a copy of all tracked episodes, ordered by thread ID.
func (t *StallTracker) Snapshot() []types.ThreadStallState {
	out := make([]types.ThreadStallState, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// Tracked returns the number of live episodes.
func (t *StallTracker) Tracked() int {
	return len(t.entries)
}

// Clear drops all episode state. Called when the owning process terminates.
func (t *StallTracker) Clear() {
	t.entries = make(map[int]*types.ThreadStallState)
}
