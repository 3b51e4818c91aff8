package engine

import (
	"context"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

// Turn carries the state one completion driver works on. Polling drivers
// start from Run; streaming drivers consume Feed and relay to Events.
type Turn struct {
	AssistantRef string
	AssistantID  string
	ThreadID     string
	CallerRef    string

	Run core.Run
	// Attempts is the number of status re-fetches the polling driver made.
	Attempts int

	Feed   provider.Feed
	Events chan<- core.StreamEvent
}

func (t *Turn) callbackContext(run *core.Run) *CallbackContext {
	return &CallbackContext{
		AssistantRef: t.AssistantRef,
		ThreadID:     t.ThreadID,
		CallerRef:    t.CallerRef,
		Run:          run,
	}
}

// CompletionDriver takes a launched run to a terminal state. Drive returns
// the last observed run.
type CompletionDriver interface {
	Drive(ctx context.Context, turn *Turn) (core.Run, error)
}

// toolResolver is the requires_action handling shared by both drivers.
type toolResolver struct {
	dispatcher *tool.Dispatcher
	callbacks  *CallbackManager
	logger     logging.Logger
}

// resolve answers every pending tool call of run. Only submit_tool_outputs
// actions are supported; any other kind is a *core.UnsupportedActionError.
func (r *toolResolver) resolve(ctx context.Context, turn *Turn, run core.Run) ([]core.ToolOutput, error) {
	if run.RequiredAction == nil || run.RequiredAction.Type != core.RequiredActionSubmitToolOutputs {
		typ := ""
		if run.RequiredAction != nil {
			typ = run.RequiredAction.Type
		}
		return nil, &core.UnsupportedActionError{RunID: run.ID, Type: typ}
	}
	calls := run.RequiredAction.ToolCalls

	cc := turn.callbackContext(&run)
	cc.ToolCalls = calls
	notify(ctx, r.callbacks, r.logger, CallbackBeforeDispatch, cc)

	start := time.Now()
	outputs := r.dispatcher.Dispatch(ctx, run, calls)
	r.logger.Info("engine.tools.dispatched",
		"thread_id", run.ThreadID, "run_id", run.ID, "calls", len(calls), "duration", time.Since(start))

	cc.Outputs = outputs
	notify(ctx, r.callbacks, r.logger, CallbackAfterDispatch, cc)
	return outputs, nil
}

// notify runs informational callbacks. Their errors are logged only.
func notify(ctx context.Context, cm *CallbackManager, logger logging.Logger, typ CallbackType, cc *CallbackContext) {
	if err := cm.ExecuteCallbacks(ctx, typ, cc); err != nil {
		logger.Warn("engine.callback.failed", "type", typ, "thread_id", cc.ThreadID, "error", err)
	}
}

// episodeKey identifies a requires_action episode by its call ids.
func episodeKey(calls []core.ToolCall) string {
	key := make([]byte, 0, len(calls)*24)
	for i, c := range calls {
		if i > 0 {
			key = append(key, ',')
		}
		key = append(key, c.ID...)
	}
	return string(key)
}
