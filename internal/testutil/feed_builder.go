package testutil

import (
	"encoding/json"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/provider"
)

// FeedBuilder assembles scripted provider stream events.
// Example:
//
//	events := NewFeedBuilder("thread_1", "run_1").Status(core.RunStatusInProgress).
//		Delta("msg_1", "He").Delta("msg_1", "llo").Completed("msg_1", "").
//		Status(core.RunStatusCompleted).Done().Events()
type FeedBuilder struct {
	run    core.Run
	events []provider.RawEvent
}

// NewFeedBuilder creates a builder for events of one run.
func NewFeedBuilder(threadID, runID string) *FeedBuilder {
	return &FeedBuilder{run: core.Run{ID: runID, ThreadID: threadID}}
}

// Status appends a run event with the given status (chainable).
func (b *FeedBuilder) Status(s core.RunStatus) *FeedBuilder {
	b.run.Status = s
	b.run.RequiredAction = nil
	b.run.LastError = nil
	b.events = append(b.events, provider.RunEvent(b.run))
	return b
}

// RequiresAction appends a requires_action run event carrying calls (chainable).
func (b *FeedBuilder) RequiresAction(calls ...core.ToolCall) *FeedBuilder {
	b.run.Status = core.RunStatusRequiresAction
	b.run.RequiredAction = &core.RequiredAction{Type: core.RequiredActionSubmitToolOutputs, ToolCalls: calls}
	b.events = append(b.events, provider.RunEvent(b.run))
	b.run.RequiredAction = nil
	return b
}

// Failed appends a failed run event (chainable).
func (b *FeedBuilder) Failed(code, message string) *FeedBuilder {
	b.run.Status = core.RunStatusFailed
	b.run.LastError = &core.RunError{Code: code, Message: message}
	b.events = append(b.events, provider.RunEvent(b.run))
	return b
}

// Delta appends a text delta for messageID (chainable).
func (b *FeedBuilder) Delta(messageID, text string) *FeedBuilder {
	b.events = append(b.events, provider.MessageDeltaEvent(messageID, text))
	return b
}

// Completed appends a message completed event. An empty text leaves the
// payload without content so the receiver must rely on the deltas (chainable).
func (b *FeedBuilder) Completed(messageID, text string) *FeedBuilder {
	msg := core.Message{ID: messageID, ThreadID: b.run.ThreadID, RunID: b.run.ID, Role: core.RoleAssistant}
	if text != "" {
		msg.Parts = []core.ContentPart{core.TextPart(text)}
		msg.Content = text
	}
	b.events = append(b.events, provider.MessageEvent(provider.EventThreadMessageCompleted, msg))
	return b
}

// Raw appends an arbitrary event (chainable).
func (b *FeedBuilder) Raw(typ, data string) *FeedBuilder {
	b.events = append(b.events, provider.RawEvent{Type: typ, Data: json.RawMessage(data)})
	return b
}

// Error appends a provider error event (chainable).
func (b *FeedBuilder) Error(code, message string) *FeedBuilder {
	b.events = append(b.events, provider.ErrorEvent(core.ErrorDetail{Code: code, Message: message}))
	return b
}

// Done appends the end-of-stream marker (chainable).
func (b *FeedBuilder) Done() *FeedBuilder {
	b.events = append(b.events, provider.DoneEvent())
	return b
}

// Events returns the collected events.
func (b *FeedBuilder) Events() []provider.RawEvent {
	return append([]provider.RawEvent(nil), b.events...)
}

// Feed returns the events as a SliceFeed.
func (b *FeedBuilder) Feed() *provider.SliceFeed {
	return provider.NewSliceFeed(b.Events()...)
}
