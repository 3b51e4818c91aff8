// Package tool implements the local side of assistant function calling: the
// Tool abstraction, a read-only registry, the dispatcher that answers every
// tool call of a requires_action episode, and the built-in message search
// tools backed by the conversation store.
package tool

import (
	"fmt"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/internal/util"
)

// Tool is a local function the remote assistant can call while a run
// requires action.
//
// Implementations must be safe for concurrent use; the dispatcher may run
// several calls of one episode in parallel. A tool must not mutate the state
// of another tool.
type Tool interface {
	// Name returns the unique identifier the assistant uses to call the tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool with already parsed arguments. The returned
	// value is JSON encoded into the tool output.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Error codes carried in tool output payloads.
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeValidation       = "VALIDATION_ERROR"
	CodeExecution        = "EXECUTION_ERROR"
	CodePanic            = "PANIC"
	CodeEncoding         = "ENCODING_ERROR"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
