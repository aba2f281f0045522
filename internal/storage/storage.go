// Package storage defines the durable history interface for supervisor
// events, recovery outcomes and incident reports, used by the run loop for
// persistence and by the inspection subcommands for queries.
package storage

import (
	"context"
	"time"

	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/report"
	"github.com/procguard/procguard/internal/types"
)

// RetentionPolicy describes which events PruneEvents may delete. Routine
// events older than Cutoff go; warning and error events survive until
// CriticalCutoff; MaxEvents caps the total row count regardless of age.
type RetentionPolicy struct {
	Cutoff         time.Time
	CriticalCutoff time.Time
	// MaxEvents of 0 means no count cap.
	MaxEvents int
	// BatchSize bounds how many rows one delete statement removes.
	BatchSize int
}

// IncidentSummary is the listing row for captured incidents.
type IncidentSummary struct {
	ID          string
	Timestamp   time.Time
	Reason      string
	ProcessName string
	Path        string
}

// Store is the durable history backend. All writes are best-effort from the
// supervisor's point of view: a failing store is logged, never fatal.
type Store interface {
	// AppendEvent persists one event from the append-only log.
	AppendEvent(ctx context.Context, e *events.Event) error

	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]events.Event, error)

	// RecordRecovery persists one recovery outcome.
	RecordRecovery(ctx context.Context, outcome types.RecoveryOutcome) error

	// SaveIncident persists a captured incident report.
	SaveIncident(ctx context.Context, inc *report.Incident) error

	// ListIncidents returns up to limit incident summaries, newest first.
	ListIncidents(ctx context.Context, limit int) ([]IncidentSummary, error)

	// PruneEvents deletes events per the retention policy and returns how
	// many rows were removed.
	PruneEvents(ctx context.Context, policy RetentionPolicy) (int64, error)

	// Close releases the backend.
	Close() error
}
