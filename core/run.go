package core

import (
	"fmt"
	"time"
)

// RunStatus is the provider reported state of a Run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	// RunStatusIncomplete is reported by some providers when a run stops
	// early (token limits). It is terminal and surfaced like a failure.
	RunStatusIncomplete RunStatus = "incomplete"
)

// IsTerminal reports whether no further progress happens without a new run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	default:
		return false
	}
}

// IsPending reports whether the run is still being worked on by the provider
// and only needs to be observed again.
func (s RunStatus) IsPending() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusCancelling:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a best-effort cancel makes sense for the status.
func (s RunStatus) Cancellable() bool {
	return s == RunStatusQueued || s == RunStatusInProgress
}

// RequiredActionSubmitToolOutputs is the only action kind the engine resolves.
const RequiredActionSubmitToolOutputs = "submit_tool_outputs"

// RequiredAction describes what the provider needs before a run can continue.
type RequiredAction struct {
	Type      string     `json:"type"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured request from the assistant to execute a named
// local function. Arguments is the raw (JSON) text produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput is the result of executing a ToolCall, submitted back to the
// provider to resume a run.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RunError carries the provider supplied diagnostics of a failed run.
type RunError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// String renders "<message> (Code: <code>)", omitting the code when empty.
func (e RunError) String() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (Code: %s)", e.Message, e.Code)
}

// Run is one execution of an assistant against a thread. The status is
// owned by the provider; the engine only observes it (and may request a cancel).
type Run struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id"`
	AssistantID    string          `json:"assistant_id,omitempty"`
	Status         RunStatus       `json:"status"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	LastError      *RunError       `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PendingToolCalls returns the tool calls of a submit_tool_outputs action, or
// nil when the run does not wait for tool outputs.
func (r Run) PendingToolCalls() []ToolCall {
	if r.Status != RunStatusRequiresAction || r.RequiredAction == nil {
		return nil
	}
	if r.RequiredAction.Type != RequiredActionSubmitToolOutputs {
		return nil
	}
	return r.RequiredAction.ToolCalls
}
