package core

import (
	"time"

	"github.com/google/uuid"
)

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	EventRunStatusChanged StreamEventType = "run.status-changed"
	EventMessageDelta     StreamEventType = "message.delta"
	EventMessageCompleted StreamEventType = "message.completed"
	EventRunCompleted     StreamEventType = "run.completed"
	EventRunFailed        StreamEventType = "run.failed"
	EventRunCancelled     StreamEventType = "run.cancelled"
	EventRunExpired       StreamEventType = "run.expired"
	EventStreamEnded      StreamEventType = "stream.ended"
	EventError            StreamEventType = "error"
)

// IsRunTerminal reports whether the event announces a terminal run state.
func (t StreamEventType) IsRunTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunExpired:
		return true
	default:
		return false
	}
}

// IsStreamTerminal reports whether the event closes a streaming session.
func (t StreamEventType) IsStreamTerminal() bool {
	return t == EventStreamEnded || t == EventError
}

// TerminalEventType maps a terminal run status to its stream event type.
// Incomplete runs are reported as failures.
func TerminalEventType(s RunStatus) StreamEventType {
	switch s {
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusCancelled:
		return EventRunCancelled
	case RunStatusExpired:
		return EventRunExpired
	default:
		return EventRunFailed
	}
}

// StreamEvent is a transient record relayed to a caller during a streaming
// session. Only Type, Data and ThreadID are part of the wire form; ID and
// Timestamp are used for SSE framing and logs.
type StreamEvent struct {
	ID        string          `json:"-"`
	Type      StreamEventType `json:"type"`
	Data      any             `json:"data"`
	ThreadID  string          `json:"threadId"`
	RunID     string          `json:"-"`
	Timestamp time.Time       `json:"-"`
}

// NewStreamEvent creates an event with a fresh id and UTC timestamp.
func NewStreamEvent(typ StreamEventType, threadID, runID string, data any) StreamEvent {
	if data == nil {
		data = map[string]any{}
	}
	return StreamEvent{
		ID:        NewID(),
		Type:      typ,
		Data:      data,
		ThreadID:  threadID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorEvent creates an error event carrying a message and optional details.
func NewErrorEvent(threadID, runID, message string, details any) StreamEvent {
	data := map[string]any{"error": message}
	if details != nil {
		data["details"] = details
	}
	return NewStreamEvent(EventError, threadID, runID, data)
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }
