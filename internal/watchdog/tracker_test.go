package watchdog

import (
	"testing"
	"time"

	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/types"
)

// fakeClock drives the injectable now functions in tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func stalledThread(id int) inspect.ThreadState {
	return inspect.ThreadState{ID: id, WaitReason: inspect.WaitDelayExecution}
}

func runningThread(id int) inspect.ThreadState {
	return inspect.ThreadState{ID: id, WaitReason: inspect.WaitRunning}
}

func newTestTracker(clock *fakeClock) *StallTracker {
	tr := NewStallTracker(30*time.Second, 30*time.Minute, 10*time.Second)
	tr.now = clock.Now
	return tr
}

func TestStallTrackerBelowWarnThreshold(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	problems, cleared := tr.Update([]inspect.ThreadState{stalledThread(4021)})
	if len(problems) != 0 {
		t.Errorf("expected no problems on first observation, got %d", len(problems))
	}
	if len(cleared) != 0 {
		t.Errorf("expected no cleared threads, got %v", cleared)
	}
	if tr.Tracked() != 1 {
		t.Errorf("expected 1 tracked episode, got %d", tr.Tracked())
	}

	// 29s of stall is still under the 30s warning threshold
	clock.Advance(29 * time.Second)
	problems, _ = tr.Update([]inspect.ThreadState{stalledThread(4021)})
	if len(problems) != 0 {
		t.Errorf("expected no problems at 29s, got %d", len(problems))
	}
}

func TestStallTrackerWarnThresholdCrossing(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(4021)})
	clock.Advance(31 * time.Second)
	problems, _ := tr.Update([]inspect.ThreadState{stalledThread(4021)})

	if len(problems) != 1 {
		t.Fatalf("expected 1 problem thread at 31s, got %d", len(problems))
	}
	p := problems[0]
	if p.ThreadID != 4021 {
		t.Errorf("expected thread 4021, got %d", p.ThreadID)
	}
	if p.StalledFor != 31*time.Second {
		t.Errorf("expected 31s stall duration, got %v", p.StalledFor)
	}
	if p.Observations != 2 {
		t.Errorf("expected 2 observations, got %d", p.Observations)
	}
	if p.Critical {
		t.Error("31s stall should not be critical")
	}
}

func TestStallTrackerDurationMonotonic(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	var prev time.Duration
	tr.Update([]inspect.ThreadState{stalledThread(7)})
	for i := 0; i < 20; i++ {
		clock.Advance(5 * time.Second)
		tr.Update([]inspect.ThreadState{stalledThread(7)})
		snap := tr.Snapshot()
		if len(snap) != 1 {
			t.Fatalf("expected 1 tracked episode, got %d", len(snap))
		}
		if dur := snap[0].Duration(); dur < prev {
			t.Fatalf("episode duration went backwards: %v < %v", dur, prev)
		} else {
			prev = dur
		}
	}
}

func TestStallTrackerCriticalThreshold(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(4021)})
	clock.Advance(31 * time.Minute)
	problems, _ := tr.Update([]inspect.ThreadState{stalledThread(4021)})

	if len(problems) != 1 {
		t.Fatalf("expected 1 problem thread, got %d", len(problems))
	}
	if !problems[0].Critical {
		t.Error("31m stall should be critical")
	}
}

func TestStallTrackerPurgeAfterWindow(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(4021)})
	clock.Advance(40 * time.Second)
	tr.Update([]inspect.ThreadState{stalledThread(4021)})

	// thread unstalls but stays within the purge window: entry survives
	clock.Advance(5 * time.Second)
	_, cleared := tr.Update([]inspect.ThreadState{runningThread(4021)})
	if len(cleared) != 0 {
		t.Errorf("expected no purge within window, got %v", cleared)
	}
	if tr.Tracked() != 1 {
		t.Errorf("expected episode retained within purge window, got %d tracked", tr.Tracked())
	}

	// past the purge window the episode ends
	clock.Advance(10 * time.Second)
	_, cleared = tr.Update([]inspect.ThreadState{runningThread(4021)})
	if len(cleared) != 1 || cleared[0] != 4021 {
		t.Errorf("expected thread 4021 purged, got %v", cleared)
	}
	if tr.Tracked() != 0 {
		t.Errorf("expected no tracked episodes after purge, got %d", tr.Tracked())
	}
}

func TestStallTrackerReappearanceStartsFreshEpisode(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(4021)})
	clock.Advance(40 * time.Second)
	tr.Update([]inspect.ThreadState{stalledThread(4021)})
	tr.RecordAttempt(4021)

	// purge, then the same thread stalls again
	clock.Advance(15 * time.Second)
	tr.Update([]inspect.ThreadState{runningThread(4021)})
	clock.Advance(time.Second)
	tr.Update([]inspect.ThreadState{stalledThread(4021)})

	snap := tr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 tracked episode, got %d", len(snap))
	}
	entry := snap[0]
	if entry.Observations != 1 {
		t.Errorf("new episode should start at 1 observation, got %d", entry.Observations)
	}
	if entry.RecoveryAttempts != 0 {
		t.Errorf("new episode should start with 0 attempts, got %d", entry.RecoveryAttempts)
	}
	if entry.Phase != types.PhaseObserving {
		t.Errorf("new episode should be observing, got %s", entry.Phase)
	}
}

func TestStallTrackerRecordAttempt(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(9)})
	if got := tr.Attempts(9); got != 0 {
		t.Errorf("expected 0 attempts, got %d", got)
	}

	tr.RecordAttempt(9)
	tr.RecordAttempt(9)
	if got := tr.Attempts(9); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}

	snap := tr.Snapshot()
	if snap[0].Phase != types.PhaseRecovering {
		t.Errorf("expected recovering phase after attempt, got %s", snap[0].Phase)
	}

	// attempts on untracked threads are a no-op
	tr.RecordAttempt(12345)
	if got := tr.Attempts(12345); got != 0 {
		t.Errorf("expected 0 attempts for untracked thread, got %d", got)
	}
}

func TestStallTrackerSnapshotOrdered(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(30), stalledThread(10), stalledThread(20)})
	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 episodes, got %d", len(snap))
	}
	for i, want := range []int{10, 20, 30} {
		if snap[i].ThreadID != want {
			t.Errorf("snapshot[%d]: expected thread %d, got %d", i, want, snap[i].ThreadID)
		}
	}
}

func TestStallTrackerClear(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Update([]inspect.ThreadState{stalledThread(1), stalledThread(2)})
	tr.Clear()
	if tr.Tracked() != 0 {
		t.Errorf("expected empty tracker after clear, got %d", tr.Tracked())
	}
}
