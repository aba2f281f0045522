// Package watchdog is the health-sampling and stall-recovery engine: it
// polls the supervised process, tracks per-thread stall episodes, gates
// recovery actions behind the stability classifier and recovery budget, and
// captures incident reports on terminal events.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/procguard/procguard/internal/artifact"
	"github.com/procguard/procguard/internal/config"
	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/logging"
	"github.com/procguard/procguard/internal/report"
	"github.com/procguard/procguard/internal/storage"
	"github.com/procguard/procguard/internal/types"
)

// State is the supervisor lifecycle state.
type State string

const (
	// StateWaitingForProcess means the target process is not running.
	StateWaitingForProcess State = "waiting-for-process"
	// StateRunning means the target process is being supervised.
	StateRunning State = "running"
)

// SupervisorDeps holds dependencies for creating a Supervisor.
type SupervisorDeps struct {
	Config    *config.Config
	Inspector inspect.ProcessInspector
	Signaler  inspect.ThreadSignaler
	Reporter  *report.Reporter
	Logger    *logging.Logger

	// Store persists events, recoveries and incidents. Optional.
	Store storage.Store
	// EventLog is the append-only JSONL event log. Optional.
	EventLog *events.Log
	// Artifact watches the secondary artifact path. Optional.
	Artifact *artifact.Watcher
}

// Supervisor owns the single polling loop and all mutable monitoring state.
// Everything below is touched only from the Run goroutine; sub-components
// are driven synchronously within a tick.
type Supervisor struct {
	cfg       *config.Config
	inspector inspect.ProcessInspector
	reporter  *report.Reporter
	store     storage.Store
	eventLog  *events.Log
	logger    *logging.Logger
	artifact  *artifact.Watcher

	sampler    *Sampler
	tracker    *StallTracker
	classifier *StabilityClassifier
	recovery   *RecoveryController

	now func() time.Time

	state        State
	handle       inspect.Handle
	episodeStart time.Time
	lastSnapshot *types.ProcessSnapshot

	lastMonitor time.Time
	lastSafety  time.Time
	lastTrim    time.Time
	// lastPrune is not tied to a process episode; history grows either way
	lastPrune time.Time

	stable        bool
	stableReasons []string

	// warned/critical track which threads already produced their
	// first-crossing log lines this episode
	warned   map[int]bool
	critical map[int]bool

	// warnLimiter throttles repeated still-stalled warnings
	warnLimiter *rate.Limiter

	quotaWarnedCycle bool
}

// NewSupervisor wires the engine components from the configuration.
func NewSupervisor(deps *SupervisorDeps) (*Supervisor, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Inspector == nil {
		return nil, fmt.Errorf("inspector is required")
	}
	if deps.Signaler == nil {
		return nil, fmt.Errorf("signaler is required")
	}
	if deps.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	cfg := deps.Config
	tracker := NewStallTracker(cfg.WarnThreshold, cfg.CriticalThreshold, 2*cfg.MonitorInterval)
	recovery, err := NewRecoveryController(&RecoveryControllerConfig{
		Signaler:    deps.Signaler,
		Inspector:   deps.Inspector,
		Tracker:     tracker,
		Cooldown:    cfg.ActionCooldown,
		MaxAttempts: cfg.MaxRecoveryAttempts,
		MaxPerCycle: cfg.MaxThreadRecoveryPerCycle,
		MaxDaily:    cfg.MaxDailyRecoveries,
		GraceWindow: cfg.GraceWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery controller: %w", err)
	}

	return &Supervisor{
		cfg:         cfg,
		inspector:   deps.Inspector,
		reporter:    deps.Reporter,
		store:       deps.Store,
		eventLog:    deps.EventLog,
		logger:      deps.Logger,
		artifact:    deps.Artifact,
		sampler:     NewSampler(deps.Inspector),
		tracker:     tracker,
		classifier:  NewStabilityClassifier(cfg.MaxMemoryMB, cfg.MaxCPUPercent, cfg.MaxDelayedThreads),
		recovery:    recovery,
		now:         time.Now,
		state:       StateWaitingForProcess,
		stable:      true,
		warned:      make(map[int]bool),
		critical:    make(map[int]bool),
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 3),
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return s.state
}

// Run polls at the fixed tick until the context is canceled. The current
// cycle always finishes before Run returns; there is no mid-cycle
// cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Infof("supervising process %q (monitor every %v, poll every %v)",
		s.cfg.ProcessName, s.cfg.MonitorInterval, s.cfg.PollInterval)
	s.emit(ctx, events.New(events.EventSupervisorStarted, events.SeverityInfo,
		fmt.Sprintf("supervising %s", s.cfg.ProcessName)))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("supervisor stopping")
			// the event log write uses a background context: ctx is
			// already canceled and this is the final record of the run
			s.emit(context.Background(), events.New(events.EventSupervisorStopped, events.SeverityInfo, "supervisor stopped"))
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one polling cycle. All per-cycle errors are handled here; the
// loop always proceeds to the next tick.
func (s *Supervisor) tick(ctx context.Context) {
	switch s.state {
	case StateWaitingForProcess:
		s.pollForProcess(ctx)
	case StateRunning:
		s.superviseRunning(ctx)
	}
	s.maybePruneHistory(ctx)
}

// maybePruneHistory applies the event-retention policy to the history store
// on the cleanup interval.
func (s *Supervisor) maybePruneHistory(ctx context.Context) {
	ret := s.cfg.Retention
	if s.store == nil || !ret.Enabled || !s.due(s.lastPrune, ret.CleanupInterval) {
		return
	}
	now := s.now()
	s.lastPrune = now

	deleted, err := s.store.PruneEvents(ctx, storage.RetentionPolicy{
		Cutoff:         now.AddDate(0, 0, -ret.Days),
		CriticalCutoff: now.AddDate(0, 0, -ret.CriticalDays),
		MaxEvents:      ret.MaxEvents,
		BatchSize:      ret.CleanupBatchSize,
	})
	if err != nil {
		s.logger.Errorf("event history pruning failed: %v", err)
		return
	}
	if deleted > 0 {
		s.logger.Infof("pruned %d events from history", deleted)
	}
}

// pollForProcess looks for the target process and transitions to Running
// when found.
func (s *Supervisor) pollForProcess(ctx context.Context) {
	h, err := s.inspector.Find(ctx, s.cfg.ProcessName)
	if err != nil {
		if !errors.Is(err, inspect.ErrProcessNotFound) {
			s.logger.Errorf("process lookup failed: %v", err)
		}
		return
	}

	s.state = StateRunning
	s.handle = h
	s.episodeStart = s.now()
	s.lastSnapshot = nil
	s.lastMonitor = time.Time{}
	s.lastSafety = time.Time{}
	s.lastTrim = time.Time{}
	s.stable = true
	s.stableReasons = nil
	s.warned = make(map[int]bool)
	s.critical = make(map[int]bool)
	s.sampler.Reset()
	s.tracker.Clear()
	s.recovery.Reset()

	s.logger.Infof("process %q detected (pid %d)", h.Name, h.PID)
	s.emit(ctx, events.New(events.EventProcessDetected, events.SeverityInfo,
		fmt.Sprintf("process %s running as pid %d", h.Name, h.PID)).WithData("pid", h.PID))
}

// superviseRunning drives the sub-cycles off one polling tick: sampling
// every tick, stall tracking and recovery every MonitorInterval, stability
// every SafetyCheckInterval, memory trim every MemoryTrimInterval.
func (s *Supervisor) superviseRunning(ctx context.Context) {
	if !s.inspector.Alive(ctx, s.handle) {
		s.onProcessLost(ctx)
		return
	}

	threads, err := s.inspector.Threads(ctx, s.handle)
	if err != nil {
		if errors.Is(err, inspect.ErrMetricsUnavailable) {
			// the process died between the presence check and the read
			s.onProcessLost(ctx)
		} else {
			s.logger.Errorf("thread enumeration failed: %v", err)
		}
		return
	}

	snap, err := s.sampler.Sample(ctx, s.handle, threads)
	if err != nil {
		if errors.Is(err, inspect.ErrMetricsUnavailable) {
			s.onProcessLost(ctx)
		} else {
			s.logger.Errorf("metrics sample failed: %v", err)
		}
		return
	}
	s.lastSnapshot = snap
	s.logger.Debugf("sample: cpu=%.2f%% wset=%dMB threads=%d delayed=%d",
		snap.CPUPercent, snap.WorkingSetMB(), snap.ThreadCount, snap.DelayedThreads)

	now := s.now()
	if s.due(s.lastSafety, s.cfg.SafetyCheckInterval) {
		s.lastSafety = now
		s.checkStability(ctx, snap)
	}
	if s.due(s.lastMonitor, s.cfg.MonitorInterval) {
		s.lastMonitor = now
		s.monitorCycle(ctx, threads)
	}
	if s.due(s.lastTrim, s.cfg.MemoryTrimInterval) {
		s.lastTrim = now
		s.maybeTrimMemory(ctx, snap)
	}
	if s.artifact != nil {
		s.checkArtifact(ctx)
	}
}

// due reports whether a sub-cycle anchored at last should run now. A zero
// anchor means the sub-cycle has not run this episode yet.
func (s *Supervisor) due(last time.Time, interval time.Duration) bool {
	return last.IsZero() || s.now().Sub(last) >= interval
}

// checkStability classifies the snapshot and reports flips in either
// direction. Entering instability captures an incident.
func (s *Supervisor) checkStability(ctx context.Context, snap *types.ProcessSnapshot) {
	wasStable := s.stable
	stable, reasons := s.classifier.IsStable(snap)
	s.stable = stable
	s.stableReasons = reasons

	if wasStable && !stable {
		s.logger.Warningf("process unstable: %v", reasons)
		s.emit(ctx, events.New(events.EventStabilityChanged, events.SeverityWarning,
			fmt.Sprintf("unstable: %v", reasons)))
		detail := map[string]string{}
		for i, r := range reasons {
			detail[fmt.Sprintf("reason_%d", i+1)] = r
		}
		s.captureIncident(ctx, report.ReasonInstability, detail)
	} else if !wasStable && stable {
		s.logger.Successf("process stable again")
		s.emit(ctx, events.New(events.EventStabilityChanged, events.SeverityInfo, "stable again"))
	}
}

// monitorCycle advances stall tracking and applies gated recovery to the
// longest-stalled actionable threads.
func (s *Supervisor) monitorCycle(ctx context.Context, threads []inspect.ThreadState) {
	problems, cleared := s.tracker.Update(threads)

	for _, tid := range cleared {
		s.logger.Infof("thread %d no longer stalled, episode cleared", tid)
		s.emit(ctx, events.New(events.EventStallCleared, events.SeverityInfo,
			fmt.Sprintf("thread %d cleared", tid)).WithThread(tid))
		delete(s.warned, tid)
		delete(s.critical, tid)
	}

	for _, p := range problems {
		if !s.warned[p.ThreadID] {
			s.warned[p.ThreadID] = true
			s.logger.Warningf("thread %d stalled for %v (%d observations)",
				p.ThreadID, p.StalledFor.Round(time.Second), p.Observations)
			s.emit(ctx, events.New(events.EventStallDetected, events.SeverityWarning,
				fmt.Sprintf("thread %d stalled for %v", p.ThreadID, p.StalledFor.Round(time.Second))).
				WithThread(p.ThreadID).WithData("stalled_for_seconds", p.StalledFor.Seconds()))
		} else if s.warnLimiter.Allow() {
			s.logger.Warningf("thread %d still stalled (%v, %d recovery attempts)",
				p.ThreadID, p.StalledFor.Round(time.Second), p.RecoveryAttempts)
		}
		if p.Critical && !s.critical[p.ThreadID] {
			s.critical[p.ThreadID] = true
			s.logger.Warningf("thread %d stall passed critical threshold (%v)",
				p.ThreadID, p.StalledFor.Round(time.Second))
			s.emit(ctx, events.New(events.EventStallCritical, events.SeverityWarning,
				fmt.Sprintf("thread %d stalled beyond %v", p.ThreadID, s.cfg.CriticalThreshold)).
				WithThread(p.ThreadID))
		}
	}

	// recovery pass: longest-stalled first, bounded by the per-cycle cap
	var candidates []types.ProblemThread
	for _, p := range problems {
		if p.StalledFor > s.cfg.ActionThreshold {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StalledFor > candidates[j].StalledFor
	})

	s.recovery.BeginCycle()
	s.quotaWarnedCycle = false
	for _, p := range candidates {
		outcome := s.recovery.Recover(ctx, s.handle, types.StallClear{ThreadID: p.ThreadID}, s.stable)
		s.handleOutcome(ctx, outcome)
	}
}

// maybeTrimMemory applies process-wide memory-pressure relief when the
// working set is above the trim watermark.
func (s *Supervisor) maybeTrimMemory(ctx context.Context, snap *types.ProcessSnapshot) {
	watermarkMB := uint64(float64(s.cfg.MaxMemoryMB) * s.cfg.MemoryTrimWatermark)
	if snap.WorkingSetMB() <= watermarkMB {
		return
	}

	s.logger.Actionf("working set %dMB above trim watermark %dMB, relieving memory pressure",
		snap.WorkingSetMB(), watermarkMB)
	outcome := s.recovery.Recover(ctx, s.handle, types.MemoryPressure{}, s.stable)
	if outcome.Outcome == types.OutcomeSuccess {
		s.emit(ctx, events.New(events.EventMemoryTrim, events.SeverityInfo,
			fmt.Sprintf("trimmed working set at %dMB", snap.WorkingSetMB())))
	}
	s.handleOutcome(ctx, outcome)
}

// handleOutcome logs and persists one recovery outcome.
func (s *Supervisor) handleOutcome(ctx context.Context, outcome types.RecoveryOutcome) {
	switch outcome.Outcome {
	case types.OutcomeSuccess:
		if outcome.ThreadID != 0 {
			s.logger.Successf("recovered thread %d (%s)", outcome.ThreadID, outcome.Action)
			s.emit(ctx, events.New(events.EventRecoverySucceeded, events.SeverityInfo,
				fmt.Sprintf("%s recovered thread %d", outcome.Action, outcome.ThreadID)).
				WithThread(outcome.ThreadID))
		} else {
			s.logger.Successf("%s action completed", outcome.Action)
		}
	case types.OutcomeFailed:
		s.logger.Errorf("%s failed: %s", outcome.Action, outcome.Reason)
		s.emit(ctx, events.New(events.EventRecoveryFailed, events.SeverityError,
			fmt.Sprintf("%s failed: %s", outcome.Action, outcome.Reason)).WithThread(outcome.ThreadID))
	case types.OutcomeSkipped:
		if outcome.Reason == SkipDailyQuota && !s.quotaWarnedCycle {
			s.quotaWarnedCycle = true
			s.logger.Warningf("daily recovery quota exhausted, skipping further actions today")
			s.emit(ctx, events.New(events.EventRecoverySkipped, events.SeverityWarning, SkipDailyQuota))
		} else {
			s.logger.Debugf("%s on thread %d skipped: %s", outcome.Action, outcome.ThreadID, outcome.Reason)
		}
		return // skips are not persisted
	}

	if s.store != nil {
		if err := s.store.RecordRecovery(ctx, outcome); err != nil {
			s.logger.Errorf("failed to record recovery outcome: %v", err)
		}
	}
}

// checkArtifact compares the watched artifact against its baseline.
// A mismatch is informational: logged and reported, never recovered from.
func (s *Supervisor) checkArtifact(ctx context.Context) {
	changed, detail, err := s.artifact.Check()
	if err != nil {
		s.logger.Debugf("artifact check failed: %v", err)
		return
	}
	if !changed {
		return
	}

	s.logger.Warningf("artifact integrity changed: %s", detail["artifact"])
	s.emit(ctx, events.New(events.EventArtifactChanged, events.SeverityWarning,
		fmt.Sprintf("artifact %s changed", detail["artifact"])))
	s.captureIncident(ctx, report.ReasonArtifactChanged, detail)
}

// onProcessLost handles the Running → WaitingForProcess transition: capture
// an incident from the accumulated state, then clear per-episode state.
func (s *Supervisor) onProcessLost(ctx context.Context) {
	s.logger.Warningf("process %q (pid %d) is gone after %v",
		s.handle.Name, s.handle.PID, s.now().Sub(s.episodeStart).Round(time.Second))
	s.emit(ctx, events.New(events.EventProcessLost, events.SeverityWarning,
		fmt.Sprintf("process %s terminated", s.handle.Name)).WithData("pid", s.handle.PID))

	s.captureIncident(ctx, report.ReasonProcessTerminated, nil)

	s.tracker.Clear()
	s.sampler.Reset()
	s.lastSnapshot = nil
	s.warned = make(map[int]bool)
	s.critical = make(map[int]bool)
	s.handle = inspect.Handle{}
	s.state = StateWaitingForProcess
}

// captureIncident snapshots accumulated state into a durable report. Write
// failures are logged to the console fallback and never stop the loop.
func (s *Supervisor) captureIncident(ctx context.Context, reason report.Reason, detail map[string]string) {
	state := report.CaptureState{
		ProcessName:  s.cfg.ProcessName,
		PID:          s.handle.PID,
		LastSnapshot: s.lastSnapshot,
		Threads:      s.tracker.Snapshot(),
		Budget:       s.recovery.Budget(),
		StableSince:  s.classifier.LastStable(),
		Detail:       detail,
	}

	inc, err := s.reporter.Capture(ctx, reason, state)
	if err != nil {
		s.logger.Errorf("incident capture (%s): %v", reason, err)
	} else {
		s.logger.Infof("incident report captured: %s", inc.Path)
	}

	if inc != nil {
		if s.store != nil {
			if serr := s.store.SaveIncident(ctx, inc); serr != nil {
				s.logger.Errorf("failed to persist incident %s: %v", inc.ID, serr)
			}
		}
		s.emit(ctx, events.New(events.EventIncidentCaptured, events.SeverityWarning,
			fmt.Sprintf("incident %s captured (%s)", inc.ID, reason)).WithData("reason", string(reason)))
	}
}

// emit writes one event to the append-only log, when configured.
func (s *Supervisor) emit(ctx context.Context, e *events.Event) {
	if s.eventLog != nil {
		s.eventLog.Emit(ctx, e)
	}
}
