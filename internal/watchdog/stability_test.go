package watchdog

import (
	"testing"
	"time"

	"github.com/procguard/procguard/internal/types"
)

func TestStabilityClassifier(t *testing.T) {
	tests := []struct {
		name        string
		snap        types.ProcessSnapshot
		wantStable  bool
		wantReasons int
	}{
		{
			name:       "within all ceilings",
			snap:       types.ProcessSnapshot{WorkingSetBytes: 1024 << 20, CPUPercent: 40, DelayedThreads: 1},
			wantStable: true,
		},
		{
			name:        "memory over ceiling",
			snap:        types.ProcessSnapshot{WorkingSetBytes: 8300 << 20, CPUPercent: 40},
			wantStable:  false,
			wantReasons: 1,
		},
		{
			name:       "memory exactly at ceiling",
			snap:       types.ProcessSnapshot{WorkingSetBytes: 8192 << 20},
			wantStable: true,
		},
		{
			name:        "cpu over ceiling",
			snap:        types.ProcessSnapshot{CPUPercent: 95.5},
			wantStable:  false,
			wantReasons: 1,
		},
		{
			name:        "too many delayed threads",
			snap:        types.ProcessSnapshot{DelayedThreads: 6},
			wantStable:  false,
			wantReasons: 1,
		},
		{
			name: "everything over",
			snap: types.ProcessSnapshot{
				WorkingSetBytes: 9000 << 20,
				CPUPercent:      99,
				DelayedThreads:  12,
			},
			wantStable:  false,
			wantReasons: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewStabilityClassifier(8192, 90, 5)
			stable, reasons := c.IsStable(&tt.snap)
			if stable != tt.wantStable {
				t.Errorf("expected stable=%v, got %v (reasons %v)", tt.wantStable, stable, reasons)
			}
			if len(reasons) != tt.wantReasons {
				t.Errorf("expected %d reasons, got %v", tt.wantReasons, reasons)
			}
		})
	}
}

func TestStabilityClassifierLastStable(t *testing.T) {
	clock := newFakeClock()
	c := NewStabilityClassifier(8192, 90, 5)
	c.now = clock.Now

	if !c.LastStable().IsZero() {
		t.Error("last-stable must start zero")
	}

	c.IsStable(&types.ProcessSnapshot{WorkingSetBytes: 100 << 20})
	first := c.LastStable()
	if first.IsZero() {
		t.Fatal("last-stable must be set after a stable verdict")
	}

	// an unstable verdict must not advance the timestamp
	clock.Advance(time.Minute)
	c.IsStable(&types.ProcessSnapshot{WorkingSetBytes: 9000 << 20})
	if !c.LastStable().Equal(first) {
		t.Error("unstable verdict must not refresh last-stable")
	}

	clock.Advance(time.Minute)
	c.IsStable(&types.ProcessSnapshot{WorkingSetBytes: 100 << 20})
	if !c.LastStable().After(first) {
		t.Error("stable verdict must refresh last-stable")
	}
}
