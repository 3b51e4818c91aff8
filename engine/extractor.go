package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

// NoTextReply is returned when the assistant answered without any text part,
// for example with an image only.
const NoTextReply = "No valid text response found from the assistant."

// ResponseExtractor reads the final assistant answer of a completed run.
type ResponseExtractor struct {
	provider provider.Provider
	logger   logging.Logger
}

// NewResponseExtractor creates an extractor.
func NewResponseExtractor(p provider.Provider, logger logging.Logger) *ResponseExtractor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &ResponseExtractor{provider: p, logger: logger}
}

// Extract returns the first text part of the most recent assistant message
// produced by run, together with that message. A message without text
// yields NoTextReply; a run without any assistant message yields
// core.ErrNoAssistantResponse.
func (x *ResponseExtractor) Extract(ctx context.Context, run core.Run) (string, core.Message, error) {
	start := time.Now()
	msgs, err := x.provider.ListMessages(ctx, run.ThreadID, run.ID)
	provider.LogCall(x.logger, x.provider.Name(), "list_messages", start, err)
	if err != nil {
		return "", core.Message{}, fmt.Errorf("%w: %w", core.ErrResponseUnavailable, err)
	}

	var (
		last  core.Message
		found bool
	)
	for _, m := range msgs {
		if m.Role == core.RoleAssistant && m.RunID == run.ID {
			last, found = m, true
		}
	}
	if !found {
		return "", core.Message{}, core.ErrNoAssistantResponse
	}

	if text, ok := last.FirstText(); ok {
		return text, last, nil
	}
	x.logger.Warn("engine.extract.no_text", "message_id", last.ID, "run_id", run.ID)
	return NoTextReply, last, nil
}
