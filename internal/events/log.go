package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Sink receives every logged event in addition to the JSONL file. The sqlite
// store implements this.
type Sink interface {
	AppendEvent(ctx context.Context, e *Event) error
}

// Log is the append-only event log: one JSON object per line, optionally
// tee'd into a Sink. Writes are best-effort; failures are reported through
// the fallback and never propagate to the supervisor loop.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	sink Sink

	// fallback receives write-failure notices (console logger in practice)
	fallback func(format string, args ...interface{})
}

// OpenLog opens (or creates) the JSONL event log at path.
// sink and fallback may be nil.
func OpenLog(path string, sink Sink, fallback func(format string, args ...interface{})) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	if fallback == nil {
		fallback = func(string, ...interface{}) {}
	}
	return &Log{f: f, sink: sink, fallback: fallback}, nil
}

// Emit appends the event to the log file and the sink. Best-effort.
func (l *Log) Emit(ctx context.Context, e *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		l.fallback("event log: failed to marshal %s event: %v", e.Type, err)
		return
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		l.fallback("event log: write failed: %v", err)
	}
	if l.sink != nil {
		if err := l.sink.AppendEvent(ctx, e); err != nil {
			l.fallback("event log: sink append failed: %v", err)
		}
	}
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return l.f.Close()
}
