package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []*Event
	err    error
}

func (s *recordingSink) AppendEvent(_ context.Context, e *Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := OpenLog(path, nil, nil)
	require.NoError(t, err)

	log.Emit(context.Background(), New(EventSupervisorStarted, SeverityInfo, "started"))
	log.Emit(context.Background(), New(EventStallDetected, SeverityWarning, "thread 4021 stalled").WithThread(4021))
	require.NoError(t, log.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, EventSupervisorStarted, lines[0].Type)
	assert.Equal(t, EventStallDetected, lines[1].Type)
	assert.Equal(t, 4021, lines[1].ThreadID)
	assert.NotEmpty(t, lines[0].ID)
	assert.NotEqual(t, lines[0].ID, lines[1].ID)
}

func TestLogAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := OpenLog(path, nil, nil)
	require.NoError(t, err)
	log.Emit(context.Background(), New(EventSupervisorStarted, SeverityInfo, "first run"))
	require.NoError(t, log.Close())

	log, err = OpenLog(path, nil, nil)
	require.NoError(t, err)
	log.Emit(context.Background(), New(EventSupervisorStarted, SeverityInfo, "second run"))
	require.NoError(t, log.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "first run", lines[0].Message)
	assert.Equal(t, "second run", lines[1].Message)
}

func TestLogTeesIntoSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := &recordingSink{}
	log, err := OpenLog(path, sink, nil)
	require.NoError(t, err)
	defer log.Close()

	log.Emit(context.Background(), New(EventProcessDetected, SeverityInfo, "found"))
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventProcessDetected, sink.events[0].Type)
}

func TestLogSinkFailureGoesToFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := &recordingSink{err: fmt.Errorf("database locked")}

	var notices []string
	fallback := func(format string, args ...interface{}) {
		notices = append(notices, fmt.Sprintf(format, args...))
	}

	log, err := OpenLog(path, sink, fallback)
	require.NoError(t, err)
	defer log.Close()

	log.Emit(context.Background(), New(EventProcessLost, SeverityWarning, "gone"))

	// the file write still happened
	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "database locked")
}
