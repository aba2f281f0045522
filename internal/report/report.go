// Package report captures immutable incident reports at terminal or critical
// events: process death, detected instability, or an external artifact
// change. Capturing never mutates monitoring state and must succeed even
// when the process is already gone.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/types"
)

// Reason explains why an incident report was captured.
type Reason string

const (
	ReasonProcessTerminated Reason = "process-terminated"
	ReasonInstability       Reason = "instability-detected"
	ReasonArtifactChanged   Reason = "external-signal-changed"
)

// unknown marks metrics fields that were never sampled.
const unknown = "unknown"

// MetricsSummary renders the last snapshot's key fields as strings so a
// report captured before the first successful sample carries explicit
// "unknown" markers instead of zero values.
type MetricsSummary struct {
	CPUPercent     string `json:"cpu_percent"`
	WorkingSetMB   string `json:"working_set_mb"`
	ThreadCount    string `json:"thread_count"`
	HandleCount    string `json:"handle_count"`
	DelayedThreads string `json:"delayed_threads"`
}

// Incident is an immutable, timestamped snapshot of monitoring state.
type Incident struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      Reason    `json:"reason"`
	ProcessName string    `json:"process_name"`
	PID         int       `json:"pid,omitempty"`

	Metrics      MetricsSummary           `json:"metrics"`
	LastSnapshot *types.ProcessSnapshot   `json:"last_snapshot,omitempty"`
	Threads      []types.ThreadStallState `json:"threads,omitempty"`
	Budget       types.RecoveryBudget     `json:"recovery_budget"`
	StableSince  *time.Time               `json:"stable_since,omitempty"`
	Host         inspect.HostStats        `json:"host"`

	// Detail carries reason-specific context (stability reasons, artifact
	// hashes).
	Detail map[string]string `json:"detail,omitempty"`

	// Path is where the report was written. Empty when the write failed.
	Path string `json:"-"`
}

// CaptureState is the accumulated monitoring state handed to Capture.
// All fields are read-only snapshots owned by the caller.
type CaptureState struct {
	ProcessName  string
	PID          int
	LastSnapshot *types.ProcessSnapshot
	Threads      []types.ThreadStallState
	Budget       types.RecoveryBudget
	StableSince  time.Time
	Detail       map[string]string
}

// Reporter writes incident reports into a directory.
type Reporter struct {
	dir       string
	inspector inspect.ProcessInspector
	now       func() time.Time
}

// NewReporter creates the report directory if needed. Failure here is fatal
// to startup: the supervisor refuses to run without a writable report dir.
func NewReporter(dir string, inspector inspect.ProcessInspector) (*Reporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &Reporter{dir: dir, inspector: inspector, now: time.Now}, nil
}

// Capture assembles an incident from the given state and writes it to disk.
// The incident is returned even when the disk write fails, so the caller can
// still persist it elsewhere; the write error is reported separately.
func (r *Reporter) Capture(ctx context.Context, reason Reason, state CaptureState) (*Incident, error) {
	now := r.now().UTC()

	inc := &Incident{
		ID:           uuid.New().String(),
		Timestamp:    now,
		Reason:       reason,
		ProcessName:  state.ProcessName,
		PID:          state.PID,
		Metrics:      summarize(state.LastSnapshot),
		LastSnapshot: state.LastSnapshot,
		Threads:      append([]types.ThreadStallState(nil), state.Threads...),
		Budget:       state.Budget,
		Detail:       state.Detail,
	}
	if !state.StableSince.IsZero() {
		t := state.StableSince
		inc.StableSince = &t
	}
	if r.inspector != nil {
		// best-effort: the host read must not block the capture
		if hostStats, err := r.inspector.Host(ctx); err == nil {
			inc.Host = hostStats
		}
	}

	path := filepath.Join(r.dir, fmt.Sprintf("incident-%s.json", now.Format("20060102T150405.000Z0700")))
	if err := writeAtomic(path, inc); err != nil {
		return inc, fmt.Errorf("failed to write incident report: %w", err)
	}
	inc.Path = path
	return inc, nil
}

// summarize renders snapshot fields, marking everything unknown when no
// sample was ever taken.
func summarize(snap *types.ProcessSnapshot) MetricsSummary {
	if snap == nil {
		return MetricsSummary{
			CPUPercent:     unknown,
			WorkingSetMB:   unknown,
			ThreadCount:    unknown,
			HandleCount:    unknown,
			DelayedThreads: unknown,
		}
	}
	return MetricsSummary{
		CPUPercent:     strconv.FormatFloat(snap.CPUPercent, 'f', 2, 64),
		WorkingSetMB:   strconv.FormatUint(snap.WorkingSetMB(), 10),
		ThreadCount:    strconv.Itoa(snap.ThreadCount),
		HandleCount:    strconv.Itoa(snap.HandleCount),
		DelayedThreads: strconv.Itoa(snap.DelayedThreads),
	}
}

// writeAtomic writes JSON via a temp file and rename, so an interrupted
// supervisor never leaves a partial report.
func writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	return nil
}
