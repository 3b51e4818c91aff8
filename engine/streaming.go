package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

// StreamingDriver relays a provider event feed to the caller one event at a
// time and persists assistant messages as soon as they complete.
//
// Every session ends with exactly one stream.ended or error event, whatever
// way the feed stops.
type StreamingDriver struct {
	provider provider.Provider
	tools    *toolResolver
	store    core.ConversationStore
	logger   logging.Logger
}

var _ CompletionDriver = (*StreamingDriver)(nil)

// NewStreamingDriver creates a streaming driver. store may be nil.
func NewStreamingDriver(
	p provider.Provider,
	dispatcher *tool.Dispatcher,
	callbacks *CallbackManager,
	store core.ConversationStore,
	logger logging.Logger,
) *StreamingDriver {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &StreamingDriver{
		provider: p,
		tools:    &toolResolver{dispatcher: dispatcher, callbacks: callbacks, logger: logger},
		store:    store,
		logger:   logger,
	}
}

// Drive implements CompletionDriver. It consumes turn.Feed, sends events to
// turn.Events and closes the feed before returning. The returned error
// describes why the session ended early; it has already been relayed.
func (d *StreamingDriver) Drive(ctx context.Context, turn *Turn) (core.Run, error) {
	s := &session{
		driver: d,
		turn:   turn,
		feed:   turn.Feed,
		last:   turn.Run,
		acc:    make(map[string]*strings.Builder),
	}
	defer func() { _ = s.feed.Close() }()

	err := s.consume(ctx)
	return s.last, err
}

// session is the state of one streaming relay.
type session struct {
	driver *StreamingDriver
	turn   *Turn
	feed   provider.Feed
	last   core.Run
	acc    map[string]*strings.Builder
	ended  bool
}

func (s *session) consume(ctx context.Context) error {
	for {
		raw, err := s.feed.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.abort(ctx.Err())
				return ctx.Err()
			case errors.Is(err, io.EOF):
				s.endIncomplete(ctx)
				return nil
			default:
				s.fail(ctx, "stream transport error", map[string]any{"message": err.Error()})
				return err
			}
		}

		ev, err := provider.Normalize(raw)
		if err != nil {
			s.driver.logger.Warn("engine.stream.malformed_event", "thread_id", s.turn.ThreadID, "type", raw.Type, "error", err)
			continue
		}

		switch ev.Kind {
		case provider.KindIgnored:
			continue

		case provider.KindDone:
			s.endIncomplete(ctx)
			return nil

		case provider.KindError:
			s.fail(ctx, ev.Err.Error(), ev.Err)
			return ev.Err

		case provider.KindMessageDelta:
			if !s.delta(ctx, ev) {
				return ctx.Err()
			}

		case provider.KindMessageCompleted:
			if !s.completed(ctx, ev) {
				return ctx.Err()
			}

		case provider.KindRunStatus:
			done, err := s.status(ctx, *ev.Run)
			if done || err != nil {
				return err
			}
		}
	}
}

func (s *session) delta(ctx context.Context, ev provider.Event) bool {
	b, ok := s.acc[ev.MessageID]
	if !ok {
		b = &strings.Builder{}
		s.acc[ev.MessageID] = b
	}
	b.WriteString(ev.Delta)
	return s.emit(ctx, core.EventMessageDelta, map[string]any{
		"messageId": ev.MessageID,
		"delta":     ev.Delta,
	})
}

func (s *session) completed(ctx context.Context, ev provider.Event) bool {
	msg := *ev.Message
	if b, ok := s.acc[ev.MessageID]; ok && b.Len() > 0 {
		msg.Content = b.String()
		if _, hasText := msg.FirstText(); !hasText {
			msg.Parts = append([]core.ContentPart{core.TextPart(msg.Content)}, msg.Parts...)
		}
	} else if msg.Content == "" {
		msg.Content = core.JoinText(msg.Parts)
	}
	delete(s.acc, ev.MessageID)

	if msg.ThreadID == "" {
		msg.ThreadID = s.turn.ThreadID
	}
	if msg.RunID == "" {
		msg.RunID = s.last.ID
	}
	if msg.Role == "" {
		msg.Role = core.RoleAssistant
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.AssistantRef = s.turn.AssistantRef

	persist(ctx, s.driver.store, s.driver.logger, msg)

	return s.emit(ctx, core.EventMessageCompleted, map[string]any{
		"messageId": msg.ID,
		"role":      msg.Role,
		"content":   msg.Content,
	})
}

// status handles a run event. It reports true once the session is over.
func (s *session) status(ctx context.Context, run core.Run) (bool, error) {
	prev := s.last.Status
	if run.ThreadID == "" {
		run.ThreadID = s.turn.ThreadID
	}
	s.last = run

	if run.Status != prev {
		cc := s.turn.callbackContext(&run)
		cc.PreviousStatus = prev
		notify(ctx, s.driver.tools.callbacks, s.driver.logger, CallbackOnStatusChange, cc)
	}

	if run.Status.IsTerminal() {
		data := map[string]any{"runId": run.ID, "status": run.Status}
		if run.LastError != nil {
			data["lastError"] = run.LastError
		}
		if !s.emit(ctx, core.TerminalEventType(run.Status), data) {
			return true, ctx.Err()
		}
		s.end(ctx, map[string]any{"status": run.Status})
		return true, nil
	}

	if !s.emit(ctx, core.EventRunStatusChanged, map[string]any{"runId": run.ID, "status": run.Status}) {
		return true, ctx.Err()
	}

	if run.Status != core.RunStatusRequiresAction {
		return false, nil
	}

	outputs, err := s.driver.tools.resolve(ctx, s.turn, run)
	if err != nil {
		s.fail(ctx, err.Error(), map[string]any{"runId": run.ID})
		return true, err
	}

	start := time.Now()
	next, err := s.driver.provider.SubmitToolOutputsStream(ctx, run.ThreadID, run.ID, outputs)
	provider.LogCall(s.driver.logger, s.driver.provider.Name(), "submit_tool_outputs_stream", start, err)
	if err != nil {
		if ctx.Err() != nil {
			s.abort(ctx.Err())
			return true, ctx.Err()
		}
		s.fail(ctx, "could not submit tool outputs", map[string]any{"runId": run.ID, "message": err.Error()})
		return true, err
	}
	_ = s.feed.Close()
	s.feed = next
	return false, nil
}

// emit forwards one event, blocking until the caller takes it or leaves.
func (s *session) emit(ctx context.Context, typ core.StreamEventType, data any) bool {
	ev := core.NewStreamEvent(typ, s.turn.ThreadID, s.last.ID, data)
	select {
	case s.turn.Events <- ev:
		return true
	case <-ctx.Done():
		s.abort(ctx.Err())
		return false
	}
}

func (s *session) end(ctx context.Context, data map[string]any) {
	if s.ended {
		return
	}
	s.ended = true
	ev := core.NewStreamEvent(core.EventStreamEnded, s.turn.ThreadID, s.last.ID, data)
	select {
	case s.turn.Events <- ev:
	case <-ctx.Done():
	}
}

// endIncomplete closes a session whose feed stopped without a terminal run
// event.
func (s *session) endIncomplete(ctx context.Context) {
	s.driver.logger.Warn("engine.stream.ended_early", "thread_id", s.turn.ThreadID, "run_id", s.last.ID, "status", s.last.Status)
	s.end(ctx, map[string]any{"status": s.last.Status, "incomplete": true})
}

func (s *session) fail(ctx context.Context, message string, details any) {
	if s.ended {
		return
	}
	s.ended = true
	s.driver.logger.Error("engine.stream.error", "thread_id", s.turn.ThreadID, "run_id", s.last.ID, "error", message)
	ev := core.NewErrorEvent(s.turn.ThreadID, s.last.ID, message, details)
	select {
	case s.turn.Events <- ev:
	case <-ctx.Done():
	}
}

// abort handles a caller that went away. The error event is best effort
// since nobody may be reading any more.
func (s *session) abort(cause error) {
	if s.ended {
		return
	}
	s.ended = true
	s.driver.logger.Info("engine.stream.aborted", "thread_id", s.turn.ThreadID, "run_id", s.last.ID, "cause", cause)
	ev := core.NewErrorEvent(s.turn.ThreadID, s.last.ID, "stream aborted by caller", nil)
	select {
	case s.turn.Events <- ev:
	default:
	}
}
