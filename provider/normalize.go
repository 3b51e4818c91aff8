package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/assistantmesh/core"
)

// ErrMalformedEvent is returned by Normalize for events whose payload cannot
// be decoded. Callers drop such events and keep consuming the feed.
var ErrMalformedEvent = errors.New("malformed provider event")

// EventKind classifies a normalized provider event.
type EventKind int

const (
	// KindIgnored marks events the engine has no use for (run steps, thread
	// creation, message lifecycle markers).
	KindIgnored EventKind = iota
	KindRunStatus
	KindMessageDelta
	KindMessageCompleted
	KindError
	KindDone
)

// Event is a provider event decoded into engine terms. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Type      string
	Run       *core.Run
	MessageID string
	Delta     string
	Message   *core.Message
	Err       *core.ErrorDetail
}

// Normalize decodes a raw provider event. It is shared by every streaming
// provider so the driver sees one event vocabulary.
func Normalize(raw RawEvent) (Event, error) {
	ev := Event{Type: raw.Type}

	switch {
	case raw.Type == EventDone:
		ev.Kind = KindDone
		return ev, nil

	case raw.Type == EventError:
		ev.Kind = KindError
		ev.Err = decodeErrorDetail(raw.Data)
		return ev, nil

	case strings.HasPrefix(raw.Type, "thread.run.step."):
		return ev, nil

	case strings.HasPrefix(raw.Type, "thread.run."):
		var w WireRun
		if err := json.Unmarshal(raw.Data, &w); err != nil {
			return ev, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, raw.Type, err)
		}
		if w.ID == "" || w.Status == "" {
			return ev, fmt.Errorf("%w: %s: missing run id or status", ErrMalformedEvent, raw.Type)
		}
		run := w.ToCore()
		ev.Kind = KindRunStatus
		ev.Run = &run
		return ev, nil

	case raw.Type == EventThreadMessageDelta:
		var d WireMessageDelta
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return ev, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, raw.Type, err)
		}
		if d.ID == "" {
			return ev, fmt.Errorf("%w: %s: missing message id", ErrMalformedEvent, raw.Type)
		}
		var b strings.Builder
		for _, c := range d.Delta.Content {
			if c.Type == core.PartTypeText && c.Text != nil {
				b.WriteString(c.Text.Value)
			}
		}
		ev.Kind = KindMessageDelta
		ev.MessageID = d.ID
		ev.Delta = b.String()
		return ev, nil

	case raw.Type == EventThreadMessageCompleted:
		var w WireMessage
		if err := json.Unmarshal(raw.Data, &w); err != nil {
			return ev, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, raw.Type, err)
		}
		if w.ID == "" {
			return ev, fmt.Errorf("%w: %s: missing message id", ErrMalformedEvent, raw.Type)
		}
		msg := w.ToCore()
		ev.Kind = KindMessageCompleted
		ev.MessageID = msg.ID
		ev.Message = &msg
		return ev, nil
	}

	return ev, nil
}

// decodeErrorDetail never fails: a provider error must reach the caller even
// when its payload is not the documented error object.
func decodeErrorDetail(data json.RawMessage) *core.ErrorDetail {
	var detail core.ErrorDetail
	if err := json.Unmarshal(data, &detail); err == nil && detail.Message != "" {
		return &detail
	}
	var wrapped struct {
		Error core.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		return &wrapped.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" || msg == "null" {
		msg = "provider stream error"
	}
	return &core.ErrorDetail{Message: msg}
}
