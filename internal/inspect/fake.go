package inspect

import (
	"context"
	"sync"
	"time"
)

// FakeInspector is a scriptable ProcessInspector for deterministic tests of
// the stall-tracking and recovery-gating logic.
type FakeInspector struct {
	mu sync.Mutex

	ProcessHandle Handle
	Present       bool
	FailMetrics   bool

	CPU         time.Duration
	Mem         MemoryStats
	HandleCount int
	ThreadList  []ThreadState
	HostStats   HostStats
}

// NewFakeInspector returns a fake with a present process and no threads.
func NewFakeInspector() *FakeInspector {
	return &FakeInspector{
		ProcessHandle: Handle{PID: 4000, Name: "server", StartTime: time.Now()},
		Present:       true,
	}
}

// SetPresent toggles whether the target process appears to be running.
func (f *FakeInspector) SetPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Present = present
}

// SetThreads replaces the thread list.
func (f *FakeInspector) SetThreads(threads []ThreadState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ThreadList = append([]ThreadState(nil), threads...)
}

// SetWaitReason rewrites the wait reason of a single thread.
func (f *FakeInspector) SetWaitReason(tid int, reason WaitReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.ThreadList {
		if f.ThreadList[i].ID == tid {
			f.ThreadList[i].WaitReason = reason
		}
	}
}

// SetMemory sets the process memory counters.
func (f *FakeInspector) SetMemory(mem MemoryStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mem = mem
}

// AdvanceCPU adds to the cumulative CPU time.
func (f *FakeInspector) AdvanceCPU(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CPU += d
}

func (f *FakeInspector) Find(_ context.Context, name string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present {
		return Handle{}, ErrProcessNotFound
	}
	h := f.ProcessHandle
	h.Name = name
	return h, nil
}

func (f *FakeInspector) Alive(_ context.Context, _ Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Present
}

func (f *FakeInspector) CPUTime(_ context.Context, _ Handle) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present || f.FailMetrics {
		return 0, ErrMetricsUnavailable
	}
	return f.CPU, nil
}

func (f *FakeInspector) Memory(_ context.Context, _ Handle) (MemoryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present || f.FailMetrics {
		return MemoryStats{}, ErrMetricsUnavailable
	}
	return f.Mem, nil
}

func (f *FakeInspector) Counts(_ context.Context, _ Handle) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present || f.FailMetrics {
		return 0, 0, ErrMetricsUnavailable
	}
	return len(f.ThreadList), f.HandleCount, nil
}

func (f *FakeInspector) Threads(_ context.Context, _ Handle) ([]ThreadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present || f.FailMetrics {
		return nil, ErrMetricsUnavailable
	}
	return append([]ThreadState(nil), f.ThreadList...), nil
}

func (f *FakeInspector) ThreadWaitReason(_ context.Context, _ Handle, tid int) (WaitReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present {
		return WaitUnknown, ErrMetricsUnavailable
	}
	for _, t := range f.ThreadList {
		if t.ID == tid {
			return t.WaitReason, nil
		}
	}
	return WaitUnknown, ErrMetricsUnavailable
}

func (f *FakeInspector) Host(_ context.Context) (HostStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HostStats, nil
}

// FakeSignaler records recovery primitives and lets tests script their
// effects and failures.
type FakeSignaler struct {
	mu sync.Mutex

	WakeErr    error
	BoostErr   error
	RestoreErr error
	TrimErr    error
	GCErr      error

	// OnWake, when set, runs on each Wake call (e.g. to flip the thread's
	// wait reason on a linked FakeInspector). OnBoost does the same for
	// BoostPriority calls.
	OnWake  func(tid int)
	OnBoost func(tid int)

	WakeCalls    []int
	BoostCalls   []int
	RestoreCalls []int
	TrimCalls    int
	GCCalls      int
}

// NewFakeSignaler returns a signaler whose calls all succeed.
func NewFakeSignaler() *FakeSignaler {
	return &FakeSignaler{}
}

func (f *FakeSignaler) Wake(_ context.Context, _ Handle, tid int) error {
	f.mu.Lock()
	f.WakeCalls = append(f.WakeCalls, tid)
	onWake := f.OnWake
	err := f.WakeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onWake != nil {
		onWake(tid)
	}
	return nil
}

func (f *FakeSignaler) BoostPriority(_ context.Context, _ Handle, tid int) (int, error) {
	f.mu.Lock()
	f.BoostCalls = append(f.BoostCalls, tid)
	onBoost := f.OnBoost
	err := f.BoostErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if onBoost != nil {
		onBoost(tid)
	}
	return 0, nil
}

func (f *FakeSignaler) RestorePriority(_ context.Context, _ Handle, tid int, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RestoreCalls = append(f.RestoreCalls, tid)
	return f.RestoreErr
}

func (f *FakeSignaler) TrimWorkingSet(_ context.Context, _ Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TrimCalls++
	return f.TrimErr
}

func (f *FakeSignaler) RequestGC(_ context.Context, _ Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GCCalls++
	return f.GCErr
}
