package core

import (
	"context"

	"github.com/hupe1980/assistantmesh/logging"
)

// ToolContext provides a constrained surface for tool implementations
// invoked while a run requires action. It exposes the request context and
// correlation identifiers but no handle to the provider or the run itself.
type ToolContext struct {
	ctx        context.Context
	threadID   string
	runID      string
	toolCallID string

	*loggerAdapter
}

// NewToolContext constructs a tool context for one tool call of a run.
func NewToolContext(ctx context.Context, threadID, runID, toolCallID string, logger logging.Logger) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ToolContext{
		ctx:           ctx,
		threadID:      threadID,
		runID:         runID,
		toolCallID:    toolCallID,
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// ThreadID returns the thread the requesting run belongs to.
func (tc *ToolContext) ThreadID() string { return tc.threadID }

// RunID returns the run that requested the tool call.
func (tc *ToolContext) RunID() string { return tc.runID }

// ToolCallID returns the provider issued id of the tool call.
func (tc *ToolContext) ToolCallID() string { return tc.toolCallID }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }
