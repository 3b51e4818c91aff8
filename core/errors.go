package core

import (
	"errors"
	"fmt"
)

var (
	// ErrThreadCreationFailed matches *ThreadCreationError.
	ErrThreadCreationFailed = errors.New("thread creation failed")
	// ErrRunActive is returned when a thread already has a non-terminal run.
	ErrRunActive = errors.New("thread already has an active run")
	// ErrNoAssistantResponse is returned when a completed run produced no assistant message.
	ErrNoAssistantResponse = errors.New("the assistant did not generate a response for this run")
	// ErrResponseUnavailable is returned when the final messages could not be listed.
	ErrResponseUnavailable = errors.New("could not get final response from the assistant")
	// ErrInvalidRequest marks caller input errors.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotConfigured matches *ConfigError.
	ErrNotConfigured = errors.New("not configured")
)

// ConfigError reports missing credentials or configuration. It is not retryable.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

// Is allows errors.Is(err, ErrNotConfigured).
func (e *ConfigError) Is(target error) bool { return target == ErrNotConfigured }

// ThreadCreationError wraps a provider failure while issuing a new thread.
type ThreadCreationError struct {
	Err error
}

func (e *ThreadCreationError) Error() string {
	return fmt.Sprintf("could not create conversation thread: %v", e.Err)
}

func (e *ThreadCreationError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrThreadCreationFailed).
func (e *ThreadCreationError) Is(target error) bool { return target == ErrThreadCreationFailed }

// RunLaunchError wraps a provider rejection while starting a run.
type RunLaunchError struct {
	AssistantID string
	Err         error
}

func (e *RunLaunchError) Error() string {
	return fmt.Sprintf("could not start run for assistant %s: %v", e.AssistantID, e.Err)
}

func (e *RunLaunchError) Unwrap() error { return e.Err }

// MessageError wraps a failure while appending the user message to a thread.
type MessageError struct {
	ThreadID string
	Err      error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("could not add message to thread %s: %v", e.ThreadID, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// AttachmentError wraps a failure while processing an image attachment.
type AttachmentError struct {
	Err error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("error processing attached image: %v", e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// UnsupportedActionError is raised when a run requires an action kind other
// than submit_tool_outputs. It is fatal for the run.
type UnsupportedActionError struct {
	RunID string
	Type  string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported required action %q for run %s", e.Type, e.RunID)
}

// RunTimeoutError is returned when the polling budget is exhausted before the
// run reached a terminal state.
type RunTimeoutError struct {
	RunID      string
	LastStatus RunStatus
	Attempts   int
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run %s did not finish after %d attempts (last status: %s)", e.RunID, e.Attempts, e.LastStatus)
}

// RunFailedError reports a terminal, non-completed run verbatim.
type RunFailedError struct {
	RunID     string
	Status    RunStatus
	LastError *RunError
}

// Error returns the provider message with its code, or a generic text when
// the provider supplied no diagnostics.
func (e *RunFailedError) Error() string {
	if e.LastError != nil && e.LastError.Message != "" {
		return e.LastError.String()
	}
	return fmt.Sprintf("assistant run failed or incomplete (%s)", e.Status)
}

// ErrorDetail is the provider error payload relayed in stream error events.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Type    string `json:"type,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (Code: %s)", e.Message, e.Code)
	}
	return e.Message
}

// RequestError reports invalid caller input. Message is safe to show to the caller.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Is allows errors.Is(err, ErrInvalidRequest).
func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }
