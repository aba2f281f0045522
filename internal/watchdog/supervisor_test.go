package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/procguard/procguard/internal/config"
	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/logging"
	"github.com/procguard/procguard/internal/report"
	"github.com/procguard/procguard/internal/storage"
	"github.com/procguard/procguard/internal/types"
)

// fakeStore records prune calls; every other store operation is a no-op.
type fakeStore struct {
	prunePolicies []storage.RetentionPolicy
}

func (f *fakeStore) AppendEvent(ctx context.Context, e *events.Event) error { return nil }
func (f *fakeStore) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	return nil, nil
}
func (f *fakeStore) RecordRecovery(ctx context.Context, outcome types.RecoveryOutcome) error {
	return nil
}
func (f *fakeStore) SaveIncident(ctx context.Context, inc *report.Incident) error { return nil }
func (f *fakeStore) ListIncidents(ctx context.Context, limit int) ([]storage.IncidentSummary, error) {
	return nil, nil
}
func (f *fakeStore) PruneEvents(ctx context.Context, policy storage.RetentionPolicy) (int64, error) {
	f.prunePolicies = append(f.prunePolicies, policy)
	return 0, nil
}
func (f *fakeStore) Close() error { return nil }

type supervisorFixture struct {
	clock     *fakeClock
	inspector *inspect.FakeInspector
	signaler  *inspect.FakeSignaler
	sup       *Supervisor
	reportDir string
}

func newSupervisorFixture(t *testing.T, mutate func(*config.Config)) *supervisorFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ProcessName = "server"
	cfg.MonitorInterval = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	clock := newFakeClock()
	inspector := inspect.NewFakeInspector()
	signaler := inspect.NewFakeSignaler()

	dir := t.TempDir()
	reporter, err := report.NewReporter(dir, inspector)
	if err != nil {
		t.Fatalf("failed to create reporter: %v", err)
	}

	sup, err := NewSupervisor(&SupervisorDeps{
		Config:    cfg,
		Inspector: inspector,
		Signaler:  signaler,
		Reporter:  reporter,
		Logger:    logging.New(false),
	})
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}

	sup.now = clock.Now
	sup.sampler.now = clock.Now
	sup.tracker.now = clock.Now
	sup.classifier.now = clock.Now
	sup.recovery.now = clock.Now
	sup.recovery.sleep = func(time.Duration) {}

	return &supervisorFixture{
		clock:     clock,
		inspector: inspector,
		signaler:  signaler,
		sup:       sup,
		reportDir: dir,
	}
}

// tick advances the clock by one poll interval and runs one cycle.
func (fx *supervisorFixture) tick() {
	fx.clock.Advance(time.Second)
	fx.sup.tick(context.Background())
}

func (fx *supervisorFixture) incidents(t *testing.T) []report.Incident {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(fx.reportDir, "incident-*.json"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	var out []report.Incident
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("failed to read %s: %v", p, err)
		}
		var inc report.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			t.Fatalf("failed to parse %s: %v", p, err)
		}
		out = append(out, inc)
	}
	return out
}

func TestSupervisorDetectsProcess(t *testing.T) {
	fx := newSupervisorFixture(t, nil)

	if fx.sup.State() != StateWaitingForProcess {
		t.Fatalf("expected initial state waiting, got %s", fx.sup.State())
	}
	fx.tick()
	if fx.sup.State() != StateRunning {
		t.Fatalf("expected running after detection, got %s", fx.sup.State())
	}
}

func TestSupervisorStaysWaitingWhileAbsent(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fx.inspector.SetPresent(false)

	for i := 0; i < 5; i++ {
		fx.tick()
	}
	if fx.sup.State() != StateWaitingForProcess {
		t.Fatalf("expected waiting while absent, got %s", fx.sup.State())
	}
	if got := fx.incidents(t); len(got) != 0 {
		t.Errorf("no incidents while never detected, got %d", len(got))
	}
}

// A thread first observed stalled is warned about once past the warning
// threshold and recovered exactly once past the action threshold; further
// actions are held back by the attempt bookkeeping and cooldown.
func TestSupervisorStallRecoveryTimeline(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fx.inspector.SetThreads([]inspect.ThreadState{stalledThread(4021), runningThread(1)})

	// detection tick plus enough cycles to sit just at the action threshold
	for i := 0; i < 122; i++ {
		fx.tick()
	}
	if len(fx.signaler.WakeCalls) != 0 {
		t.Fatalf("no recovery before the action threshold, got wakes %v", fx.signaler.WakeCalls)
	}
	if got := fx.sup.tracker.Attempts(4021); got != 0 {
		t.Fatalf("expected 0 attempts before the action threshold, got %d", got)
	}

	// one more cycle crosses the threshold
	fx.tick()
	if len(fx.signaler.WakeCalls) != 1 || fx.signaler.WakeCalls[0] != 4021 {
		t.Fatalf("expected exactly one wake of thread 4021, got %v", fx.signaler.WakeCalls)
	}
	if got := fx.sup.tracker.Attempts(4021); got != 1 {
		t.Fatalf("expected attempt count 1, got %d", got)
	}

	// the cooldown holds further actions well past the threshold
	for i := 0; i < 60; i++ {
		fx.tick()
	}
	if len(fx.signaler.WakeCalls) != 1 {
		t.Errorf("cooldown must prevent further wakes, got %v", fx.signaler.WakeCalls)
	}
}

// Process present for many cycles then absent for one: a single transition to
// waiting, a single process-terminated incident, and an empty stall map.
func TestSupervisorProcessLoss(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fx.inspector.SetThreads([]inspect.ThreadState{stalledThread(4021)})

	for i := 0; i < 10; i++ {
		fx.tick()
	}
	if fx.sup.State() != StateRunning {
		t.Fatalf("expected running, got %s", fx.sup.State())
	}

	fx.inspector.SetPresent(false)
	fx.tick()

	if fx.sup.State() != StateWaitingForProcess {
		t.Fatalf("expected waiting after loss, got %s", fx.sup.State())
	}
	if got := fx.sup.tracker.Tracked(); got != 0 {
		t.Errorf("stall map must be empty after process loss, got %d entries", got)
	}

	incidents := fx.incidents(t)
	if len(incidents) != 1 {
		t.Fatalf("expected exactly one incident, got %d", len(incidents))
	}
	inc := incidents[0]
	if inc.Reason != report.ReasonProcessTerminated {
		t.Errorf("expected reason %s, got %s", report.ReasonProcessTerminated, inc.Reason)
	}
	if len(inc.Threads) != 1 || inc.Threads[0].ThreadID != 4021 {
		t.Errorf("incident must carry the tracked stall episode, got %+v", inc.Threads)
	}

	// further absent cycles produce no additional incidents
	for i := 0; i < 5; i++ {
		fx.tick()
	}
	if got := fx.incidents(t); len(got) != 1 {
		t.Errorf("expected still one incident, got %d", len(got))
	}
}

// A metrics read failing while the process looks alive is treated as the
// process being gone, never as a monitoring crash.
func TestSupervisorMetricsFailureTreatedAsLoss(t *testing.T) {
	fx := newSupervisorFixture(t, nil)

	fx.tick()
	if fx.sup.State() != StateRunning {
		t.Fatalf("expected running, got %s", fx.sup.State())
	}

	fx.inspector.FailMetrics = true
	fx.tick()
	if fx.sup.State() != StateWaitingForProcess {
		t.Fatalf("expected waiting after metrics failure, got %s", fx.sup.State())
	}
	incidents := fx.incidents(t)
	if len(incidents) != 1 || incidents[0].Reason != report.ReasonProcessTerminated {
		t.Fatalf("expected one process-terminated incident, got %+v", incidents)
	}
}

// Working set over the hard ceiling makes the process unstable: recovery is
// suppressed (not deferred into a retry loop) and one instability incident
// is captured.
func TestSupervisorUnstableSuppressesRecovery(t *testing.T) {
	fx := newSupervisorFixture(t, func(cfg *config.Config) {
		cfg.WarnThreshold = 2 * time.Second
		cfg.ActionThreshold = 3 * time.Second
		cfg.SafetyCheckInterval = time.Second
	})
	fx.inspector.SetMemory(inspect.MemoryStats{WorkingSetBytes: 8300 << 20})
	fx.inspector.SetThreads([]inspect.ThreadState{stalledThread(4021)})

	for i := 0; i < 10; i++ {
		fx.tick()
	}

	if len(fx.signaler.WakeCalls) != 0 {
		t.Errorf("no wakes while unstable, got %v", fx.signaler.WakeCalls)
	}
	if fx.signaler.TrimCalls != 0 {
		t.Errorf("no memory trim while unstable, got %d", fx.signaler.TrimCalls)
	}
	if budget := fx.sup.recovery.Budget(); budget.DailyCount != 0 {
		t.Errorf("no budget consumed while unstable, got %+v", budget)
	}

	incidents := fx.incidents(t)
	if len(incidents) != 1 {
		t.Fatalf("expected exactly one instability incident, got %d", len(incidents))
	}
	if incidents[0].Reason != report.ReasonInstability {
		t.Errorf("expected reason %s, got %s", report.ReasonInstability, incidents[0].Reason)
	}
}

// Working set above the trim watermark but under the hard ceiling triggers
// one memory-pressure relief.
func TestSupervisorMemoryTrimAboveWatermark(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fx.inspector.SetMemory(inspect.MemoryStats{WorkingSetBytes: 7000 << 20})

	fx.tick() // detection
	fx.tick() // first supervision cycle runs the trim check

	if fx.signaler.TrimCalls != 1 {
		t.Fatalf("expected one working-set trim, got %d", fx.signaler.TrimCalls)
	}
	if fx.signaler.GCCalls != 1 {
		t.Fatalf("expected one gc request, got %d", fx.signaler.GCCalls)
	}

	// the next trim is half an hour away
	for i := 0; i < 10; i++ {
		fx.tick()
	}
	if fx.signaler.TrimCalls != 1 {
		t.Errorf("trim interval must hold, got %d calls", fx.signaler.TrimCalls)
	}
}

// History pruning runs on the cleanup interval with the configured cutoffs
// and is not re-anchored by process episodes.
func TestSupervisorPrunesHistoryOnInterval(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fs := &fakeStore{}
	fx.sup.store = fs

	fx.tick()
	if len(fs.prunePolicies) != 1 {
		t.Fatalf("expected one prune on the first cycle, got %d", len(fs.prunePolicies))
	}
	policy := fs.prunePolicies[0]
	if want := fx.clock.Now().AddDate(0, 0, -30); !policy.Cutoff.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, policy.Cutoff)
	}
	if !policy.CriticalCutoff.Before(policy.Cutoff) {
		t.Errorf("critical cutoff must precede the regular cutoff, got %+v", policy)
	}
	if policy.MaxEvents != 100000 {
		t.Errorf("expected the configured event cap, got %d", policy.MaxEvents)
	}

	for i := 0; i < 10; i++ {
		fx.tick()
	}
	if len(fs.prunePolicies) != 1 {
		t.Fatalf("expected no prune within the cleanup interval, got %d", len(fs.prunePolicies))
	}

	fx.clock.Advance(24 * time.Hour)
	fx.sup.tick(context.Background())
	if len(fs.prunePolicies) != 2 {
		t.Fatalf("expected a second prune after the interval, got %d", len(fs.prunePolicies))
	}
}

func TestSupervisorPruningDisabled(t *testing.T) {
	fx := newSupervisorFixture(t, func(cfg *config.Config) {
		cfg.Retention.Enabled = false
	})
	fs := &fakeStore{}
	fx.sup.store = fs

	for i := 0; i < 5; i++ {
		fx.tick()
	}
	if len(fs.prunePolicies) != 0 {
		t.Errorf("expected no pruning when disabled, got %d calls", len(fs.prunePolicies))
	}
}

func TestSupervisorRedetectionStartsFreshEpisode(t *testing.T) {
	fx := newSupervisorFixture(t, nil)
	fx.inspector.SetThreads([]inspect.ThreadState{stalledThread(4021)})

	for i := 0; i < 40; i++ {
		fx.tick()
	}
	fx.inspector.SetPresent(false)
	fx.tick()
	fx.inspector.SetPresent(true)
	fx.tick()

	if fx.sup.State() != StateRunning {
		t.Fatalf("expected re-detection, got %s", fx.sup.State())
	}
	// the stall episode does not survive the restart
	fx.tick()
	snap := fx.sup.tracker.Snapshot()
	if len(snap) != 1 || snap[0].Observations > 2 {
		t.Errorf("expected a fresh episode after re-detection, got %+v", snap)
	}
}
