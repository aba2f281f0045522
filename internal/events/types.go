// Package events defines the structured events the supervisor emits and the
// append-only log they are written to. Every notable transition — process
// lifecycle, stall episodes, recovery outcomes, incident captures — becomes
// one event.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the kind of supervisor event that occurred.
type EventType string

const (
	// EventSupervisorStarted indicates the supervisor loop began polling
	EventSupervisorStarted EventType = "supervisor_started"
	// EventSupervisorStopped indicates the supervisor loop exited cleanly
	EventSupervisorStopped EventType = "supervisor_stopped"
	// EventProcessDetected indicates the target process was found running
	EventProcessDetected EventType = "process_detected"
	// EventProcessLost indicates the target process disappeared
	EventProcessLost EventType = "process_lost"
	// EventStallDetected indicates a thread crossed the warning threshold
	EventStallDetected EventType = "stall_detected"
	// EventStallCleared indicates a tracked thread left the stalled set
	EventStallCleared EventType = "stall_cleared"
	// EventStallCritical indicates a stall crossed the critical threshold
	EventStallCritical EventType = "stall_critical"
	// EventRecoverySucceeded indicates a recovery action verified successful
	EventRecoverySucceeded EventType = "recovery_succeeded"
	// EventRecoveryFailed indicates a recovery action failed or did not verify
	EventRecoveryFailed EventType = "recovery_failed"
	// EventRecoverySkipped indicates a recovery action was gated off
	EventRecoverySkipped EventType = "recovery_skipped"
	// EventMemoryTrim indicates a process-wide memory-pressure relief ran
	EventMemoryTrim EventType = "memory_trim"
	// EventStabilityChanged indicates the stability classification flipped
	EventStabilityChanged EventType = "stability_changed"
	// EventArtifactChanged indicates the watched artifact's hash or size changed
	EventArtifactChanged EventType = "artifact_changed"
	// EventIncidentCaptured indicates an incident report was written
	EventIncidentCaptured EventType = "incident_captured"
)

// EventSeverity indicates how serious an event is.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one entry in the append-only event log. Immutable once created.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  EventSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	ThreadID  int                    `json:"thread_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(eventType EventType, severity EventSeverity, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   message,
	}
}

// WithThread attaches the thread the event refers to.
func (e *Event) WithThread(tid int) *Event {
	e.ThreadID = tid
	return e
}

// WithData attaches a key/value pair to the event.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}
