package testutil

import (
	"time"

	"github.com/hupe1980/assistantmesh/core"
)

// RunBuilder helps construct runs with fluent chaining for tests.
// Example:
//
//	run := NewRunBuilder("run_1").Thread("thread_1").Status(core.RunStatusRequiresAction).
//		ToolCall("call_1", "search_messages", `{"filters":{}}`).Build()
type RunBuilder struct {
	run core.Run
}

// NewRunBuilder creates a builder for a queued run with the given id.
func NewRunBuilder(id string) *RunBuilder {
	return &RunBuilder{run: core.Run{
		ID:        id,
		ThreadID:  "thread_1",
		Status:    core.RunStatusQueued,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}}
}

// Thread sets the thread id (chainable).
func (b *RunBuilder) Thread(id string) *RunBuilder { b.run.ThreadID = id; return b }

// Assistant sets the assistant id (chainable).
func (b *RunBuilder) Assistant(id string) *RunBuilder { b.run.AssistantID = id; return b }

// Status sets the run status (chainable).
func (b *RunBuilder) Status(s core.RunStatus) *RunBuilder { b.run.Status = s; return b }

// ToolCall appends a submit_tool_outputs call and switches the run to
// requires_action (chainable).
func (b *RunBuilder) ToolCall(id, name, args string) *RunBuilder {
	b.run.Status = core.RunStatusRequiresAction
	if b.run.RequiredAction == nil {
		b.run.RequiredAction = &core.RequiredAction{Type: core.RequiredActionSubmitToolOutputs}
	}
	b.run.RequiredAction.ToolCalls = append(b.run.RequiredAction.ToolCalls, core.ToolCall{ID: id, Name: name, Arguments: args})
	return b
}

// Action sets a required action of an arbitrary type (chainable).
func (b *RunBuilder) Action(typ string) *RunBuilder {
	b.run.Status = core.RunStatusRequiresAction
	b.run.RequiredAction = &core.RequiredAction{Type: typ}
	return b
}

// Failed marks the run failed with the given diagnostics (chainable).
func (b *RunBuilder) Failed(code, message string) *RunBuilder {
	b.run.Status = core.RunStatusFailed
	b.run.LastError = &core.RunError{Code: code, Message: message}
	return b
}

// Build returns a copy of the run.
func (b *RunBuilder) Build() core.Run {
	run := b.run
	if b.run.RequiredAction != nil {
		ra := *b.run.RequiredAction
		ra.ToolCalls = append([]core.ToolCall(nil), ra.ToolCalls...)
		run.RequiredAction = &ra
	}
	return run
}

// AssistantMessage builds an assistant message produced by runID.
func AssistantMessage(id, threadID, runID, text string) core.Message {
	parts := []core.ContentPart{core.TextPart(text)}
	return core.Message{
		ID:        id,
		ThreadID:  threadID,
		RunID:     runID,
		Role:      core.RoleAssistant,
		Parts:     parts,
		Content:   text,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}
