// Package sqlite implements the storage.Store interface on a local SQLite
// database (WAL mode).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/report"
	"github.com/procguard/procguard/internal/storage"
	"github.com/procguard/procguard/internal/types"
)

// Store is the SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendEvent persists one event.
func (s *Store) AppendEvent(ctx context.Context, e *events.Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, timestamp, severity, thread_id, message, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Timestamp.Format(time.RFC3339Nano), string(e.Severity),
		e.ThreadID, e.Message, nullable(data))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, timestamp, severity, thread_id, message, data
		 FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var ts string
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &ts, &e.Severity, &e.ThreadID, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordRecovery persists one recovery outcome. Process-level actions carry
// no thread and are stored with a NULL thread_id.
func (s *Store) RecordRecovery(ctx context.Context, outcome types.RecoveryOutcome) error {
	var tid interface{}
	if outcome.ThreadID != 0 {
		tid = outcome.ThreadID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recoveries (at, action, thread_id, outcome, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		outcome.At.Format(time.RFC3339Nano), outcome.Action, tid,
		string(outcome.Outcome), outcome.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert recovery: %w", err)
	}
	return nil
}

// SaveIncident persists a captured incident with its full JSON payload.
func (s *Store) SaveIncident(ctx context.Context, inc *report.Incident) error {
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, timestamp, reason, process_name, pid, path, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Timestamp.Format(time.RFC3339Nano), string(inc.Reason),
		inc.ProcessName, inc.PID, inc.Path, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// ListIncidents returns up to limit incident summaries, newest first.
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]storage.IncidentSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, reason, process_name, path
		 FROM incidents ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []storage.IncidentSummary
	for rows.Next() {
		var sum storage.IncidentSummary
		var ts string
		var path sql.NullString
		if err := rows.Scan(&sum.ID, &ts, &sum.Reason, &sum.ProcessName, &path); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			sum.Timestamp = t
		}
		sum.Path = path.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PruneEvents deletes events beyond the retention policy in batches, oldest
// first, then enforces the count cap. Timestamps are stored as RFC3339Nano
// UTC strings, so string comparison orders them.
func (s *Store) PruneEvents(ctx context.Context, policy storage.RetentionPolicy) (int64, error) {
	batch := policy.BatchSize
	if batch <= 0 {
		batch = 1000
	}

	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
			     SELECT id FROM events
			     WHERE (severity NOT IN ('warning', 'error') AND timestamp < ?)
			        OR timestamp < ?
			     ORDER BY timestamp
			     LIMIT ?)`,
			policy.Cutoff.UTC().Format(time.RFC3339Nano),
			policy.CriticalCutoff.UTC().Format(time.RFC3339Nano),
			batch)
		if err != nil {
			return total, fmt.Errorf("failed to prune events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count pruned events: %w", err)
		}
		total += n
		if n < int64(batch) {
			break
		}
	}

	if policy.MaxEvents > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
			     SELECT id FROM events ORDER BY timestamp DESC LIMIT -1 OFFSET ?)`,
			policy.MaxEvents)
		if err != nil {
			return total, fmt.Errorf("failed to enforce event cap: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count capped events: %w", err)
		}
		total += n
	}
	return total, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
