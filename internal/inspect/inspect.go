// Package inspect defines the narrow OS-facing capability interfaces the
// supervisor depends on: reading process and thread metrics, and nudging
// blocked threads. The engine packages consume these interfaces only; the
// real Linux implementation and a deterministic fake live alongside them.
package inspect

import (
	"context"
	"errors"
	"time"
)

// ErrProcessNotFound indicates no process with the configured name is running.
var ErrProcessNotFound = errors.New("process not found")

// ErrMetricsUnavailable indicates the process vanished between the presence
// check and the metrics read. Callers treat this as "process not running",
// never as a fatal condition.
var ErrMetricsUnavailable = errors.New("process metrics unavailable")

// WaitReason classifies what a thread is currently blocked on.
type WaitReason string

const (
	// WaitDelayExecution is the stalled state the supervisor acts on: the
	// thread is parked in an execution-delay wait longer than expected.
	WaitDelayExecution WaitReason = "delay_execution"
	WaitRunning        WaitReason = "running"
	WaitSleeping       WaitReason = "sleeping"
	WaitIO             WaitReason = "io"
	WaitUnknown        WaitReason = "unknown"
)

// Stalled reports whether the wait reason counts as a stall.
func (r WaitReason) Stalled() bool {
	return r == WaitDelayExecution
}

// Handle identifies a resolved target process.
type Handle struct {
	PID       int
	Name      string
	StartTime time.Time
}

// ThreadState is a point-in-time view of one thread of the target process.
type ThreadState struct {
	ID         int
	WaitReason WaitReason
	Priority   int
	StartTime  time.Time
}

// MemoryStats holds the memory counters sampled from the target process.
type MemoryStats struct {
	WorkingSetBytes uint64
	PrivateBytes    uint64
	PagedBytes      uint64
}

// HostStats is a host-level snapshot attached to incident reports.
type HostStats struct {
	TotalMemoryMB     uint64
	AvailableMemoryMB uint64
	CPUPercent        float64
	Load1             float64
	Load5             float64
	Load15            float64
}

// ProcessInspector reads point-in-time state from the supervised process.
// Every method may fail with ErrMetricsUnavailable when the process exits
// mid-call; implementations must never block indefinitely.
type ProcessInspector interface {
	// Find resolves the named process. Returns ErrProcessNotFound when it
	// is not running.
	Find(ctx context.Context, name string) (Handle, error)

	// Alive reports whether the handle still refers to a live process.
	Alive(ctx context.Context, h Handle) bool

	// CPUTime returns the cumulative user+system CPU time of the process.
	CPUTime(ctx context.Context, h Handle) (time.Duration, error)

	// Memory returns the current memory counters of the process.
	Memory(ctx context.Context, h Handle) (MemoryStats, error)

	// Counts returns the current thread and handle counts.
	Counts(ctx context.Context, h Handle) (threads, handles int, err error)

	// Threads enumerates the per-thread wait states of the process.
	Threads(ctx context.Context, h Handle) ([]ThreadState, error)

	// ThreadWaitReason re-reads the wait state of a single thread.
	ThreadWaitReason(ctx context.Context, h Handle, tid int) (WaitReason, error)

	// Host returns host-level memory/CPU/load for incident reports.
	Host(ctx context.Context) (HostStats, error)
}

// ThreadSignaler applies the recovery primitives to the target process.
// All calls are best-effort: the target may vanish mid-call, which resolves
// to an error, never a panic.
type ThreadSignaler interface {
	// Wake delivers a one-shot alert that interrupts a blocking wait on the
	// given thread.
	Wake(ctx context.Context, h Handle, tid int) error

	// BoostPriority transiently raises the thread's scheduling priority.
	// Returns the previous priority for RestorePriority.
	BoostPriority(ctx context.Context, h Handle, tid int) (previous int, err error)

	// RestorePriority restores a priority saved by BoostPriority.
	RestorePriority(ctx context.Context, h Handle, tid int, previous int) error

	// TrimWorkingSet asks the OS to page out the process's cold memory.
	TrimWorkingSet(ctx context.Context, h Handle) error

	// RequestGC asks the target to run a managed-memory collection.
	RequestGC(ctx context.Context, h Handle) error
}
