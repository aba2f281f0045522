package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/types"
)

// Skip reasons returned on gated-off recovery calls.
const (
	SkipUnstable   = "process unstable"
	SkipCooldown   = "cooldown active"
	SkipAttemptCap = "attempt cap reached"
	SkipCycleCap   = "per-cycle cap reached"
	SkipDailyQuota = "daily quota exhausted"
)

// RecoveryController applies recovery actions under the safety gates: the
// stability verdict, the global cooldown, per-thread attempt caps, the
// per-cycle cap and the daily quota. Owned by the supervisor loop's single
// goroutine; no locking.
type RecoveryController struct {
	signaler  inspect.ThreadSignaler
	inspector inspect.ProcessInspector
	tracker   *StallTracker

	cooldown    time.Duration
	maxAttempts int
	maxPerCycle int
	maxDaily    int
	graceWindow time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	budget         types.RecoveryBudget
	cycleRecovered int
}

// RecoveryControllerConfig holds the controller dependencies and limits.
type RecoveryControllerConfig struct {
	Signaler    inspect.ThreadSignaler
	Inspector   inspect.ProcessInspector
	Tracker     *StallTracker
	Cooldown    time.Duration
	MaxAttempts int
	MaxPerCycle int
	MaxDaily    int
	GraceWindow time.Duration
}

// NewRecoveryController creates a controller.
func NewRecoveryController(cfg *RecoveryControllerConfig) (*RecoveryController, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("signaler is required")
	}
	if cfg.Inspector == nil {
		return nil, fmt.Errorf("inspector is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Cooldown <= 0 || cfg.MaxAttempts <= 0 || cfg.MaxPerCycle <= 0 {
		return nil, fmt.Errorf("cooldown, attempt cap and per-cycle cap must be positive")
	}
	if cfg.GraceWindow <= 0 {
		return nil, fmt.Errorf("grace window must be positive")
	}
	return &RecoveryController{
		signaler:    cfg.Signaler,
		inspector:   cfg.Inspector,
		tracker:     cfg.Tracker,
		cooldown:    cfg.Cooldown,
		maxAttempts: cfg.MaxAttempts,
		maxPerCycle: cfg.MaxPerCycle,
		maxDaily:    cfg.MaxDaily,
		graceWindow: cfg.GraceWindow,
		now:         time.Now,
		sleep:       time.Sleep,
	}, nil
}

// BeginCycle resets the per-cycle recovered count. Called once per monitor
// cycle before any Recover calls.
func (rc *RecoveryController) BeginCycle() {
	rc.cycleRecovered = 0
}

// Budget returns a copy of the process-wide recovery counters.
func (rc *RecoveryController) Budget() types.RecoveryBudget {
	return rc.budget
}

// Reset clears the budget's cooldown anchor for a new process episode. The
// daily quota deliberately survives process restarts.
func (rc *RecoveryController) Reset() {
	rc.budget.LastActionAt = time.Time{}
	rc.cycleRecovered = 0
}

// Recover applies one recovery action, gated by the preconditions. A gated
// call is a no-op returning a skipped outcome; it never consumes budget.
func (rc *RecoveryController) Recover(ctx context.Context, h inspect.Handle, action types.Action, stable bool) types.RecoveryOutcome {
	now := rc.now()
	rc.maybeResetDaily(now)

	switch a := action.(type) {
	case types.StallClear:
		return rc.clearStall(ctx, h, a.ThreadID, stable, now)
	case types.MemoryPressure:
		return rc.relieveMemory(ctx, h, stable, now)
	default:
		// closed set; unreachable unless a new variant is added without a case
		return types.RecoveryOutcome{
			Action:  action.Describe(),
			Outcome: types.OutcomeSkipped,
			Reason:  "unsupported action",
			At:      now,
		}
	}
}

// clearStall wakes a stalled thread and verifies the wait state changed
// within the grace window. A thread still stalled after the wake gets a
// transient priority boost-and-restore as a secondary nudge.
func (rc *RecoveryController) clearStall(ctx context.Context, h inspect.Handle, tid int, stable bool, now time.Time) types.RecoveryOutcome {
	outcome := types.RecoveryOutcome{Action: types.StallClear{}.Describe(), ThreadID: tid, At: now}

	if reason := rc.gate(stable, now, true, tid); reason != "" {
		outcome.Outcome = types.OutcomeSkipped
		outcome.Reason = reason
		return outcome
	}

	// the action is now committed: budget and attempt counters move
	// regardless of the result
	rc.budget.LastActionAt = now
	rc.budget.DailyCount++
	rc.cycleRecovered++
	rc.tracker.RecordAttempt(tid)

	if err := rc.signaler.Wake(ctx, h, tid); err != nil {
		rc.budget.Failures++
		outcome.Outcome = types.OutcomeFailed
		outcome.Reason = fmt.Sprintf("wake failed: %v", err)
		return outcome
	}

	rc.sleep(rc.graceWindow)

	waitReason, err := rc.inspector.ThreadWaitReason(ctx, h, tid)
	if err == nil && !waitReason.Stalled() {
		rc.budget.Successes++
		outcome.Outcome = types.OutcomeSuccess
		return outcome
	}

	// secondary nudge: transient priority boost. A failed restore must not
	// mask a thread that did wake, so the wait state is re-read either way.
	var restoreErr error
	if prev, berr := rc.signaler.BoostPriority(ctx, h, tid); berr == nil {
		restoreErr = rc.signaler.RestorePriority(ctx, h, tid, prev)
	}
	if waitReason, err = rc.inspector.ThreadWaitReason(ctx, h, tid); err == nil && !waitReason.Stalled() {
		rc.budget.Successes++
		outcome.Outcome = types.OutcomeSuccess
		outcome.Reason = "cleared after priority nudge"
		if restoreErr != nil {
			outcome.Reason = fmt.Sprintf("cleared after priority nudge; priority restore failed: %v", restoreErr)
		}
		return outcome
	}

	rc.budget.Failures++
	outcome.Outcome = types.OutcomeFailed
	switch {
	case err != nil:
		outcome.Reason = fmt.Sprintf("wait state re-read failed: %v", err)
	case restoreErr != nil:
		outcome.Reason = fmt.Sprintf("thread still stalled after grace window; priority restore failed: %v", restoreErr)
	default:
		outcome.Reason = "thread still stalled after grace window"
	}
	return outcome
}

// relieveMemory trims the working set and requests a managed-memory
// collection. Process-level: it shares the cooldown and daily quota but no
// per-thread counters. Best-effort — success means the OS calls succeeded,
// not that memory dropped.
func (rc *RecoveryController) relieveMemory(ctx context.Context, h inspect.Handle, stable bool, now time.Time) types.RecoveryOutcome {
	outcome := types.RecoveryOutcome{Action: types.MemoryPressure{}.Describe(), At: now}

	if reason := rc.gate(stable, now, false, 0); reason != "" {
		outcome.Outcome = types.OutcomeSkipped
		outcome.Reason = reason
		return outcome
	}

	rc.budget.LastActionAt = now
	rc.budget.DailyCount++

	if err := rc.signaler.TrimWorkingSet(ctx, h); err != nil {
		rc.budget.Failures++
		outcome.Outcome = types.OutcomeFailed
		outcome.Reason = fmt.Sprintf("working set trim failed: %v", err)
		return outcome
	}
	if err := rc.signaler.RequestGC(ctx, h); err != nil {
		rc.budget.Failures++
		outcome.Outcome = types.OutcomeFailed
		outcome.Reason = fmt.Sprintf("gc request failed: %v", err)
		return outcome
	}

	rc.budget.Successes++
	outcome.Outcome = types.OutcomeSuccess
	return outcome
}

// gate evaluates the preconditions. Returns the first violated gate's skip
// reason, or empty when the action may proceed. perThread enables the
// per-thread attempt cap and the per-cycle cap.
func (rc *RecoveryController) gate(stable bool, now time.Time, perThread bool, tid int) string {
	if !stable {
		return SkipUnstable
	}
	if !rc.budget.LastActionAt.IsZero() && now.Sub(rc.budget.LastActionAt) <= rc.cooldown {
		return SkipCooldown
	}
	if perThread {
		if rc.tracker.Attempts(tid) >= rc.maxAttempts {
			return SkipAttemptCap
		}
		if rc.cycleRecovered >= rc.maxPerCycle {
			return SkipCycleCap
		}
	}
	if rc.maxDaily > 0 && rc.budget.DailyCount >= rc.maxDaily {
		return SkipDailyQuota
	}
	return ""
}

// maybeResetDaily zeroes the daily counter when the calendar day changes.
func (rc *RecoveryController) maybeResetDaily(now time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if rc.budget.DailyResetDay.IsZero() || !rc.budget.DailyResetDay.Equal(day) {
		rc.budget.DailyResetDay = day
		rc.budget.DailyCount = 0
	}
}
