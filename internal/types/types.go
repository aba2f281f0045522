// Package types holds the domain records shared by the monitoring engine,
// the incident reporter and the storage layer.
package types

import (
	"time"

	"github.com/procguard/procguard/internal/inspect"
)

// ProcessSnapshot is a point-in-time view of the supervised process.
// Ephemeral: recomputed every cycle, only the current and previous samples
// are retained outside incident reports.
type ProcessSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// CPUPercent is usage derived from the CPU-time delta against the
	// previous sample, rounded to two decimal places. Zero on first sample.
	CPUPercent float64 `json:"cpu_percent"`

	WorkingSetBytes uint64 `json:"working_set_bytes"`
	// WorkingSetDelta is current minus previous working set. Zero on first
	// sample.
	WorkingSetDelta int64  `json:"working_set_delta"`
	PrivateBytes    uint64 `json:"private_bytes"`
	PagedBytes      uint64 `json:"paged_bytes"`

	ThreadCount    int `json:"thread_count"`
	HandleCount    int `json:"handle_count"`
	DelayedThreads int `json:"delayed_threads"`
}

// WorkingSetMB returns the working set in megabytes.
func (s *ProcessSnapshot) WorkingSetMB() uint64 {
	return s.WorkingSetBytes / (1 << 20)
}

// StallPhase is the lifecycle tag of a tracked stall episode.
type StallPhase string

const (
	// PhaseObserving means the thread is being watched but not yet acted on
	PhaseObserving StallPhase = "observing"
	// PhaseRecovering means at least one recovery action has been applied
	PhaseRecovering StallPhase = "recovering"
	// PhaseCleared means the thread left the stalled set
	PhaseCleared StallPhase = "cleared"
)

// ThreadAttributes is a snapshot of thread attributes captured at the first
// stall observation of an episode.
type ThreadAttributes struct {
	Priority   int                `json:"priority"`
	WaitReason inspect.WaitReason `json:"wait_reason"`
	StartTime  time.Time          `json:"start_time"`
}

// ThreadStallState tracks one thread's current stall episode. An entry
// exists iff the thread was observed stalled within the purge window.
type ThreadStallState struct {
	ThreadID         int              `json:"thread_id"`
	FirstSeen        time.Time        `json:"first_seen"`
	LastSeen         time.Time        `json:"last_seen"`
	Observations     int              `json:"observations"`
	RecoveryAttempts int              `json:"recovery_attempts"`
	Phase            StallPhase       `json:"phase"`
	Attributes       ThreadAttributes `json:"attributes"`
}

// Duration returns how long the episode has been observed so far.
func (s *ThreadStallState) Duration() time.Duration {
	return s.LastSeen.Sub(s.FirstSeen)
}

// ProblemThread is a thread whose stall crossed the warning threshold,
// as reported by the tracker to the recovery controller.
type ProblemThread struct {
	ThreadID         int
	StalledFor       time.Duration
	Observations     int
	RecoveryAttempts int
	// Critical marks stalls past the critical threshold (informational)
	Critical bool
}

// RecoveryBudget holds the process-wide recovery counters.
type RecoveryBudget struct {
	// LastActionAt is the start time of the most recent action of any kind;
	// the global cooldown is measured from it.
	LastActionAt time.Time `json:"last_action_at"`
	// DailyCount is recoveries performed since the last daily reset.
	DailyCount int `json:"daily_count"`
	// DailyResetDay anchors the daily quota to a calendar day.
	DailyResetDay time.Time `json:"daily_reset_day"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
}

// Action is a recovery action variant. The set is closed: dispatch is by
// exhaustive type switch, never by tag string.
type Action interface {
	isAction()
	// Describe names the action for logs and records.
	Describe() string
}

// StallClear wakes one stalled thread.
type StallClear struct {
	ThreadID int
}

func (StallClear) isAction()          {}
func (a StallClear) Describe() string { return "stall-clear" }

// MemoryPressure trims the process working set and requests a managed-memory
// collection. Process-level: it never consumes a per-thread attempt budget.
type MemoryPressure struct{}

func (MemoryPressure) isAction()          {}
func (a MemoryPressure) Describe() string { return "memory-pressure" }

// Outcome classifies the result of a recovery call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// RecoveryOutcome records one Recover call and its result.
type RecoveryOutcome struct {
	Action   string    `json:"action"`
	ThreadID int       `json:"thread_id,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
