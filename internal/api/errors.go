package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/core"
)

type errorBody struct {
	Error    string `json:"error"`
	Details  any    `json:"details,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

type apiError struct {
	status int
	body   errorBody
}

func (e *apiError) write(c echo.Context) error {
	return c.JSON(e.status, e.body)
}

// errorFor maps an engine failure to its HTTP answer. threadID is echoed
// back when a thread had already been resolved.
func errorFor(err error, threadID string) *apiError {
	status, body := http.StatusInternalServerError, errorBody{ThreadID: threadID}

	var (
		reqErr         *core.RequestError
		cfgErr         *core.ConfigError
		attachErr      *core.AttachmentError
		msgErr         *core.MessageError
		launchErr      *core.RunLaunchError
		unsupportedErr *core.UnsupportedActionError
		timeoutErr     *core.RunTimeoutError
		failedErr      *core.RunFailedError
	)
	switch {
	case errors.As(err, &reqErr):
		status, body.Error = http.StatusBadRequest, reqErr.Message
	case errors.Is(err, assistant.ErrUnknownAssistant):
		status, body.Error = http.StatusNotFound, "Assistant not found"
	case errors.Is(err, core.ErrRunActive):
		status, body.Error = http.StatusConflict, "A run is already active on this thread"
	case errors.As(err, &cfgErr):
		body.Error = cfgErr.Reason
	case errors.Is(err, core.ErrThreadCreationFailed):
		body.Error = "Could not create conversation with assistant"
	case errors.As(err, &attachErr):
		body.Error = "Error processing attached image"
	case errors.As(err, &msgErr):
		body.Error = "Could not send message to assistant"
	case errors.As(err, &launchErr):
		body.Error = "Could not start processing with assistant"
	case errors.As(err, &unsupportedErr):
		body.Error = "The assistant requires additional actions (not implemented)"
		body.Details = map[string]any{"type": unsupportedErr.Type}
	case errors.As(err, &timeoutErr):
		status, body.Error = http.StatusGatewayTimeout, "The assistant took too long to respond"
		body.Details = map[string]any{
			"runId":      timeoutErr.RunID,
			"lastStatus": timeoutErr.LastStatus,
			"attempts":   timeoutErr.Attempts,
		}
	case errors.As(err, &failedErr):
		body.Error = failedErr.Error()
		if failedErr.LastError != nil {
			body.Details = failedErr.LastError
		}
	case errors.Is(err, core.ErrNoAssistantResponse), errors.Is(err, core.ErrResponseUnavailable):
		body.Error, body.Details = "Could not get final response from assistant", err.Error()
	default:
		body.Error, body.Details = "Internal server error", err.Error()
	}

	return &apiError{status: status, body: body}
}
