//go:build !linux

package inspect

import (
	"context"
	"errors"
	"time"
)

var errUnsupported = errors.New("procguard: process inspection is only implemented on linux")

// ProcInspector is a stub on non-Linux platforms.
type ProcInspector struct{}

// NewProcInspector returns the stub inspector.
func NewProcInspector() *ProcInspector { return &ProcInspector{} }

func (pi *ProcInspector) Find(context.Context, string) (Handle, error) {
	return Handle{}, errUnsupported
}
func (pi *ProcInspector) Alive(context.Context, Handle) bool { return false }
func (pi *ProcInspector) CPUTime(context.Context, Handle) (time.Duration, error) {
	return 0, errUnsupported
}
func (pi *ProcInspector) Memory(context.Context, Handle) (MemoryStats, error) {
	return MemoryStats{}, errUnsupported
}
func (pi *ProcInspector) Counts(context.Context, Handle) (int, int, error) {
	return 0, 0, errUnsupported
}
func (pi *ProcInspector) Threads(context.Context, Handle) ([]ThreadState, error) {
	return nil, errUnsupported
}
func (pi *ProcInspector) ThreadWaitReason(context.Context, Handle, int) (WaitReason, error) {
	return WaitUnknown, errUnsupported
}
func (pi *ProcInspector) Host(context.Context) (HostStats, error) {
	return HostStats{}, errUnsupported
}

// ProcSignaler is a stub on non-Linux platforms.
type ProcSignaler struct{}

// NewProcSignaler returns the stub signaler.
func NewProcSignaler() *ProcSignaler { return &ProcSignaler{} }

func (ps *ProcSignaler) Wake(context.Context, Handle, int) error { return errUnsupported }
func (ps *ProcSignaler) BoostPriority(context.Context, Handle, int) (int, error) {
	return 0, errUnsupported
}
func (ps *ProcSignaler) RestorePriority(context.Context, Handle, int, int) error {
	return errUnsupported
}
func (ps *ProcSignaler) TrimWorkingSet(context.Context, Handle) error { return errUnsupported }
func (ps *ProcSignaler) RequestGC(context.Context, Handle) error      { return errUnsupported }
