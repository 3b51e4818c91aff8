package provider

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/assistantmesh/core"
)

// Assistants stream event names.
const (
	EventThreadRunCreated        = "thread.run.created"
	EventThreadRunQueued         = "thread.run.queued"
	EventThreadRunInProgress     = "thread.run.in_progress"
	EventThreadRunRequiresAction = "thread.run.requires_action"
	EventThreadRunCompleted      = "thread.run.completed"
	EventThreadRunIncomplete     = "thread.run.incomplete"
	EventThreadRunFailed         = "thread.run.failed"
	EventThreadRunCancelling     = "thread.run.cancelling"
	EventThreadRunCancelled      = "thread.run.cancelled"
	EventThreadRunExpired        = "thread.run.expired"
	EventThreadMessageCreated    = "thread.message.created"
	EventThreadMessageInProgress = "thread.message.in_progress"
	EventThreadMessageDelta      = "thread.message.delta"
	EventThreadMessageCompleted  = "thread.message.completed"
	EventThreadMessageIncomplete = "thread.message.incomplete"
	EventError                   = "error"
	EventDone                    = "done"
)

// WireRun is the assistants JSON representation of a run.
type WireRun struct {
	ID             string              `json:"id"`
	ThreadID       string              `json:"thread_id"`
	AssistantID    string              `json:"assistant_id,omitempty"`
	Status         string              `json:"status"`
	RequiredAction *WireRequiredAction `json:"required_action,omitempty"`
	LastError      *core.RunError      `json:"last_error,omitempty"`
	CreatedAt      int64               `json:"created_at"`
}

// WireRequiredAction mirrors run.required_action.
type WireRequiredAction struct {
	Type              string                 `json:"type"`
	SubmitToolOutputs *WireSubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

// WireSubmitToolOutputs lists the tool calls awaiting outputs.
type WireSubmitToolOutputs struct {
	ToolCalls []WireToolCall `json:"tool_calls"`
}

// WireToolCall mirrors a function tool call.
type WireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// WireMessage is the assistants JSON representation of a message.
type WireMessage struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	RunID     string        `json:"run_id,omitempty"`
	Role      string        `json:"role"`
	CreatedAt int64         `json:"created_at"`
	Content   []WireContent `json:"content"`
}

// WireContent is one content block of a message or message delta.
type WireContent struct {
	Index     int            `json:"index,omitempty"`
	Type      string         `json:"type"`
	Text      *WireText      `json:"text,omitempty"`
	ImageFile *WireImageFile `json:"image_file,omitempty"`
}

// WireText is a text block.
type WireText struct {
	Value string `json:"value"`
}

// WireImageFile references an uploaded image.
type WireImageFile struct {
	FileID string `json:"file_id"`
}

// WireMessageDelta is the payload of thread.message.delta.
type WireMessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []WireContent `json:"content"`
	} `json:"delta"`
}

// ToCore converts the wire run.
func (w WireRun) ToCore() core.Run {
	run := core.Run{
		ID:          w.ID,
		ThreadID:    w.ThreadID,
		AssistantID: w.AssistantID,
		Status:      core.RunStatus(w.Status),
		CreatedAt:   unixTime(w.CreatedAt),
	}
	if w.LastError != nil && (w.LastError.Message != "" || w.LastError.Code != "") {
		le := *w.LastError
		run.LastError = &le
	}
	if w.RequiredAction != nil {
		ra := &core.RequiredAction{Type: w.RequiredAction.Type}
		if w.RequiredAction.SubmitToolOutputs != nil {
			for _, tc := range w.RequiredAction.SubmitToolOutputs.ToolCalls {
				ra.ToolCalls = append(ra.ToolCalls, core.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		run.RequiredAction = ra
	}
	return run
}

// WireRunFromCore converts a core run to its wire form.
func WireRunFromCore(run core.Run) WireRun {
	w := WireRun{
		ID:          run.ID,
		ThreadID:    run.ThreadID,
		AssistantID: run.AssistantID,
		Status:      string(run.Status),
		LastError:   run.LastError,
		CreatedAt:   run.CreatedAt.Unix(),
	}
	if run.RequiredAction != nil {
		ra := &WireRequiredAction{Type: run.RequiredAction.Type}
		ra.SubmitToolOutputs = &WireSubmitToolOutputs{}
		for _, tc := range run.RequiredAction.ToolCalls {
			wc := WireToolCall{ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			ra.SubmitToolOutputs.ToolCalls = append(ra.SubmitToolOutputs.ToolCalls, wc)
		}
		w.RequiredAction = ra
	}
	return w
}

// ToCore converts the wire message.
func (w WireMessage) ToCore() core.Message {
	msg := core.Message{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		RunID:     w.RunID,
		Role:      core.Role(w.Role),
		CreatedAt: unixTime(w.CreatedAt),
	}
	for _, c := range w.Content {
		switch {
		case c.Type == core.PartTypeText && c.Text != nil:
			msg.Parts = append(msg.Parts, core.TextPart(c.Text.Value))
		case c.Type == core.PartTypeImageFile && c.ImageFile != nil:
			msg.Parts = append(msg.Parts, core.ImageFilePart(c.ImageFile.FileID))
		}
	}
	msg.Content = core.JoinText(msg.Parts)
	return msg
}

// WireMessageFromCore converts a core message to its wire form.
func WireMessageFromCore(msg core.Message) WireMessage {
	w := WireMessage{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		RunID:     msg.RunID,
		Role:      string(msg.Role),
		CreatedAt: msg.CreatedAt.Unix(),
	}
	for _, p := range msg.Parts {
		w.Content = append(w.Content, wireContent(p))
	}
	return w
}

func wireContent(p core.ContentPart) WireContent {
	c := WireContent{Type: p.Type}
	switch p.Type {
	case core.PartTypeText:
		c.Text = &WireText{Value: p.Text}
	case core.PartTypeImageFile:
		c.ImageFile = &WireImageFile{FileID: p.FileID}
	}
	return c
}

func unixTime(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// RunEvent encodes a run status event named after the run's status.
func RunEvent(run core.Run) RawEvent {
	return mustEvent(runEventName(run.Status), WireRunFromCore(run))
}

// MessageEvent encodes a thread.message.* event carrying a full message.
func MessageEvent(typ string, msg core.Message) RawEvent {
	return mustEvent(typ, WireMessageFromCore(msg))
}

// MessageDeltaEvent encodes a text delta for a message.
func MessageDeltaEvent(messageID, text string) RawEvent {
	d := WireMessageDelta{ID: messageID}
	d.Delta.Content = []WireContent{wireContent(core.TextPart(text))}
	return mustEvent(EventThreadMessageDelta, d)
}

// ErrorEvent encodes a provider error event.
func ErrorEvent(detail core.ErrorDetail) RawEvent {
	return mustEvent(EventError, detail)
}

// DoneEvent encodes the end-of-stream marker.
func DoneEvent() RawEvent {
	return RawEvent{Type: EventDone, Data: json.RawMessage(`"[DONE]"`)}
}

func runEventName(s core.RunStatus) string {
	switch s {
	case core.RunStatusQueued:
		return EventThreadRunQueued
	case core.RunStatusInProgress:
		return EventThreadRunInProgress
	case core.RunStatusRequiresAction:
		return EventThreadRunRequiresAction
	case core.RunStatusCancelling:
		return EventThreadRunCancelling
	case core.RunStatusCompleted:
		return EventThreadRunCompleted
	case core.RunStatusFailed:
		return EventThreadRunFailed
	case core.RunStatusCancelled:
		return EventThreadRunCancelled
	case core.RunStatusExpired:
		return EventThreadRunExpired
	case core.RunStatusIncomplete:
		return EventThreadRunIncomplete
	default:
		return EventThreadRunCreated
	}
}

func mustEvent(typ string, v any) RawEvent {
	data, err := json.Marshal(v)
	if err != nil {
		// only plain structs are encoded here
		panic(err)
	}
	return RawEvent{Type: typ, Data: data}
}
