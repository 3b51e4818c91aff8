package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/assistantmesh/core"
)

// CallbackType defines the lifecycle points of a turn where callbacks run.
//
// Callbacks hook into the engine without modifying its core logic. Only
// CallbackBeforeRun can influence the flow: an error returned there rejects
// the request before anything is sent to the provider. Errors from every
// other callback type are logged and ignored, because a run that is already
// underway must still reach a terminal state.
type CallbackType string

const (
	// CallbackBeforeRun is triggered after thread resolution and before the
	// user message is posted. Use for validation, quotas or auditing.
	CallbackBeforeRun CallbackType = "before_run"

	// CallbackAfterRun is triggered once a turn finished, successfully or not.
	CallbackAfterRun CallbackType = "after_run"

	// CallbackOnStatusChange is triggered whenever the observed run status
	// differs from the previous observation.
	CallbackOnStatusChange CallbackType = "on_status_change"

	// CallbackBeforeDispatch is triggered before the tool calls of a
	// requires_action episode are executed.
	CallbackBeforeDispatch CallbackType = "before_dispatch"

	// CallbackAfterDispatch is triggered after the outputs of an episode were
	// produced and before they are submitted.
	CallbackAfterDispatch CallbackType = "after_dispatch"

	// CallbackOnError is triggered when a turn fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the turn a callback is executed for. Fields not
// relevant to the callback type are zero.
type CallbackContext struct {
	CallbackType CallbackType

	// AssistantRef is the public assistant id of the turn.
	AssistantRef string
	ThreadID     string
	CallerRef    string

	// Run is the latest observation of the run, nil before launch.
	Run *core.Run
	// PreviousStatus is set for CallbackOnStatusChange.
	PreviousStatus core.RunStatus

	ToolCalls []core.ToolCall
	Outputs   []core.ToolOutput

	Err error

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for turn lifecycle hooks.
//
// Implementations should be fast since they run synchronously on the
// request path, and safe for concurrent use since one manager serves every
// request.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackAfterRun,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("thread %s finished", cc.ThreadID)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps the registered callbacks per type.
//
// Callbacks are executed in registration order, and the first error stops
// the remaining callbacks of that type. Registration and execution may
// happen concurrently.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new callback manager instance.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback to the manager for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type
// and returns the first error. A nil manager has no callbacks.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	if len(callbacks) == 0 {
		return nil
	}

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle events to a logging function.
//
// Example:
//
//	logger := func(message string) {
//	    log.Printf("[ENGINE] %s", message)
//	}
//	callback := NewLoggingCallback(CallbackOnStatusChange, logger)
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event with thread, run and status.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	runID, status := "", core.RunStatus("")
	if callbackCtx.Run != nil {
		runID, status = callbackCtx.Run.ID, callbackCtx.Run.Status
	}
	message := fmt.Sprintf("[%s] assistant=%s thread=%s run=%s status=%s",
		c.callbackType, callbackCtx.AssistantRef, callbackCtx.ThreadID, runID, status)
	if callbackCtx.PreviousStatus != "" {
		message += fmt.Sprintf(" previous=%s", callbackCtx.PreviousStatus)
	}
	if callbackCtx.Err != nil {
		message += fmt.Sprintf(" error=%v", callbackCtx.Err)
	}
	c.logger(message)
	return nil
}

// RequestValidationCallback rejects turns before they reach the provider.
//
// The validator receives the turn description (assistant, thread and
// caller) and returns an error to veto it.
//
// Example:
//
//	allowlist := NewRequestValidationCallback(func(cc *CallbackContext) error {
//	    if cc.CallerRef == "" {
//	        return errors.New("caller reference is required")
//	    }
//	    return nil
//	})
type RequestValidationCallback struct {
	validator func(callbackCtx *CallbackContext) error
}

// NewRequestValidationCallback creates a new request validation callback.
func NewRequestValidationCallback(validator func(callbackCtx *CallbackContext) error) *RequestValidationCallback {
	return &RequestValidationCallback{
		validator: validator,
	}
}

// Type returns the callback type (always CallbackBeforeRun).
func (c *RequestValidationCallback) Type() CallbackType {
	return CallbackBeforeRun
}

// Execute runs the validator.
func (c *RequestValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator == nil {
		return nil
	}
	return c.validator(callbackCtx)
}
