package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/provider"
)

// runState is the in-process record of an emulated run. The fields below mu
// are owned by Provider.mu.
type runState struct {
	run             core.Run
	submit          chan []core.ToolOutput
	cancel          context.CancelFunc
	cancelRequested bool
	segment         *segment
	finishedAt      time.Time
}

// segment is the event queue of one streamed leg of a run. A leg ends at
// requires_action or at a terminal status; SubmitToolOutputsStream opens the
// next one. The queue is unbounded so publishers never block while holding
// Provider.mu; a slow reader only delays itself.
type segment struct {
	mu     sync.Mutex
	queue  []provider.RawEvent
	ended  bool
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSegment() *segment {
	return &segment{ready: make(chan struct{}, 1), closed: make(chan struct{})}
}

// push enqueues ev. Events for a closed segment are dropped.
func (s *segment) push(ev provider.RawEvent) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// end marks the producer side as finished; Next drains what is queued and
// then reports io.EOF.
func (s *segment) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *segment) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next implements provider.Feed.
func (s *segment) Next(ctx context.Context) (provider.RawEvent, error) {
	for {
		select {
		case <-s.closed:
			return provider.RawEvent{}, io.EOF
		default:
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = provider.RawEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return provider.RawEvent{}, io.EOF
		}

		select {
		case <-s.ready:
		case <-s.closed:
			return provider.RawEvent{}, io.EOF
		case <-ctx.Done():
			return provider.RawEvent{}, ctx.Err()
		}
	}
}

// Close implements provider.Feed.
func (s *segment) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
	return nil
}

// CreateRun implements provider.Provider.
func (p *Provider) CreateRun(_ context.Context, threadID, assistantID string) (core.Run, error) {
	rs, err := p.startRun(threadID, assistantID, nil)
	if err != nil {
		return core.Run{}, err
	}
	return rs, nil
}

// CreateRunStream implements provider.Provider.
func (p *Provider) CreateRunStream(_ context.Context, threadID, assistantID string) (provider.Feed, error) {
	seg := newSegment()
	if _, err := p.startRun(threadID, assistantID, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (p *Provider) startRun(threadID, assistantID string, seg *segment) (core.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	if _, err := p.threadLocked(threadID); err != nil {
		return core.Run{}, err
	}
	for _, rs := range p.runs {
		if rs.run.ThreadID == threadID && !rs.run.Status.IsTerminal() {
			return core.Run{}, fmt.Errorf("thread %s already has active run %s", threadID, rs.run.ID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.RunTimeout)
	rs := &runState{
		run: core.Run{
			ID:          "run_" + uuid.NewString(),
			ThreadID:    threadID,
			AssistantID: assistantID,
			Status:      core.RunStatusQueued,
			CreatedAt:   p.now().UTC(),
		},
		submit:  make(chan []core.ToolOutput, 1),
		cancel:  cancel,
		segment: seg,
	}
	p.runs[rs.run.ID] = rs
	p.publishLocked(rs, provider.RunEvent(rs.run))

	go p.execute(ctx, rs)

	return rs.run, nil
}

// GetRun implements provider.Provider.
func (p *Provider) GetRun(_ context.Context, _, runID string) (core.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return rs.run, nil
}

// CancelRun implements provider.Provider.
func (p *Provider) CancelRun(_ context.Context, _, runID string) (core.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	if rs.run.Status.IsTerminal() {
		return core.Run{}, fmt.Errorf("cannot cancel run with status %s", rs.run.Status)
	}
	rs.cancelRequested = true
	rs.run.Status = core.RunStatusCancelling
	rs.run.RequiredAction = nil
	p.publishLocked(rs, provider.RunEvent(rs.run))
	rs.cancel()
	return rs.run, nil
}

// SubmitToolOutputs implements provider.Provider.
func (p *Provider) SubmitToolOutputs(_ context.Context, _, runID string, outputs []core.ToolOutput) (core.Run, error) {
	return p.submit(runID, outputs, nil)
}

// SubmitToolOutputsStream implements provider.Provider.
func (p *Provider) SubmitToolOutputsStream(_ context.Context, _, runID string, outputs []core.ToolOutput) (provider.Feed, error) {
	seg := newSegment()
	if _, err := p.submit(runID, outputs, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

func (p *Provider) submit(runID string, outputs []core.ToolOutput, seg *segment) (core.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	if rs.run.Status != core.RunStatusRequiresAction {
		return core.Run{}, fmt.Errorf("run %s is not waiting for tool outputs (status %s)", runID, rs.run.Status)
	}
	if err := matchOutputs(rs.run.PendingToolCalls(), outputs); err != nil {
		return core.Run{}, err
	}
	if seg != nil {
		rs.segment = seg
	}
	rs.run.Status = core.RunStatusQueued
	rs.run.RequiredAction = nil
	p.publishLocked(rs, provider.RunEvent(rs.run))
	rs.submit <- outputs
	return rs.run, nil
}

func matchOutputs(calls []core.ToolCall, outputs []core.ToolOutput) error {
	if len(calls) != len(outputs) {
		return fmt.Errorf("expected %d tool outputs, got %d", len(calls), len(outputs))
	}
	want := make(map[string]bool, len(calls))
	for _, c := range calls {
		want[c.ID] = true
	}
	for _, o := range outputs {
		if !want[o.ToolCallID] {
			return fmt.Errorf("unexpected tool output for call %s", o.ToolCallID)
		}
	}
	return nil
}

// execute drives one run: call the model, surface tool calls as
// requires_action, feed tool results back, until the model ends its turn.
func (p *Provider) execute(ctx context.Context, rs *runState) {
	defer rs.cancel()

	p.setStatus(rs, core.RunStatusInProgress)

	for {
		params, err := p.params(rs)
		if err != nil {
			p.fail(ctx, rs, err)
			return
		}

		start := time.Now()
		msg, msgID, err := p.complete(ctx, rs, params)
		provider.LogCall(p.opts.Logger, providerName, "messages.stream", start, err)
		if err != nil {
			p.fail(ctx, rs, err)
			return
		}

		calls := p.recordAssistant(rs, msg, msgID)
		if string(msg.StopReason) != "tool_use" || len(calls) == 0 {
			status := core.RunStatusCompleted
			if string(msg.StopReason) == "max_tokens" {
				status = core.RunStatusIncomplete
			}
			p.finish(rs, status, nil)
			return
		}

		p.requireAction(rs, calls)

		select {
		case outputs := <-rs.submit:
			p.appendToolResults(rs, outputs)
			p.setStatus(rs, core.RunStatusInProgress)
		case <-ctx.Done():
			p.fail(ctx, rs, ctx.Err())
			return
		}
	}
}

func (p *Provider) params(rs *runState) (anthropic.MessageNewParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	th, err := p.threadLocked(rs.run.ThreadID)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    append([]anthropic.MessageParam(nil), th.history...),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if instructions := p.opts.Instructions[rs.run.AssistantID]; instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}
	if len(p.opts.Tools) > 0 {
		params.Tools = buildTools(p.opts.Tools)
	}
	return params, nil
}

// complete streams one model turn, relaying text deltas, and returns the
// accumulated message.
func (p *Provider) complete(ctx context.Context, rs *runState, params anthropic.MessageNewParams) (anthropic.Message, string, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	msgID := "msg_" + uuid.NewString()
	announced := false

	for stream.Next() {
		ev := stream.Current()
		if err := msg.Accumulate(ev); err != nil {
			return anthropic.Message{}, "", err
		}
		if ev.Type != "content_block_delta" {
			continue
		}
		delta := ev.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		if !announced {
			announced = true
			p.publish(rs, provider.MessageEvent(provider.EventThreadMessageCreated, core.Message{
				ID:        msgID,
				ThreadID:  rs.run.ThreadID,
				RunID:     rs.run.ID,
				Role:      core.RoleAssistant,
				CreatedAt: time.Now().UTC(),
			}))
		}
		p.publish(rs, provider.MessageDeltaEvent(msgID, delta.Text))
	}
	if err := stream.Err(); err != nil {
		return anthropic.Message{}, "", err
	}
	return msg, msgID, nil
}

// recordAssistant appends the model turn to the thread history and returns
// the tool calls it requested.
func (p *Provider) recordAssistant(rs *runState, msg anthropic.Message, msgID string) []core.ToolCall {
	var (
		blocks []anthropic.ContentBlockParamUnion
		parts  []core.ContentPart
		calls  []core.ToolCall
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			parts = append(parts, core.TextPart(block.Text))
		case "tool_use":
			// Streamed input deltas are accumulated into the union's Input
			// field, not into the raw JSON the As* accessors decode.
			input := block.Input
			if len(input) == 0 || string(input) == "null" {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			calls = append(calls, core.ToolCall{ID: block.ID, Name: block.Name, Arguments: string(input)})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	th, err := p.threadLocked(rs.run.ThreadID)
	if err != nil {
		return calls
	}
	if len(blocks) > 0 {
		th.history = append(th.history, anthropic.NewAssistantMessage(blocks...))
	}
	if len(parts) > 0 {
		m := core.Message{
			ID:        msgID,
			ThreadID:  th.id,
			RunID:     rs.run.ID,
			Role:      core.RoleAssistant,
			Parts:     parts,
			Content:   core.JoinText(parts),
			CreatedAt: time.Now().UTC(),
		}
		th.messages = append(th.messages, m)
		p.publishLocked(rs, provider.MessageEvent(provider.EventThreadMessageCompleted, m))
	}
	return calls
}

func (p *Provider) appendToolResults(rs *runState, outputs []core.ToolOutput) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(outputs))
	for _, o := range outputs {
		blocks = append(blocks, anthropic.NewToolResultBlock(o.ToolCallID, o.Output, false))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if th, err := p.threadLocked(rs.run.ThreadID); err == nil {
		th.history = append(th.history, anthropic.NewUserMessage(blocks...))
	}
}

func (p *Provider) setStatus(rs *runState, status core.RunStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs.run.Status.IsTerminal() || rs.cancelRequested {
		return
	}
	rs.run.Status = status
	p.publishLocked(rs, provider.RunEvent(rs.run))
}

func (p *Provider) requireAction(rs *runState, calls []core.ToolCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs.run.Status = core.RunStatusRequiresAction
	rs.run.RequiredAction = &core.RequiredAction{Type: core.RequiredActionSubmitToolOutputs, ToolCalls: calls}
	p.publishLocked(rs, provider.RunEvent(rs.run))
	p.endSegmentLocked(rs, false)
}

func (p *Provider) finish(rs *runState, status core.RunStatus, lastErr *core.RunError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs.run.Status = status
	rs.run.RequiredAction = nil
	rs.run.LastError = lastErr
	rs.finishedAt = p.now()
	p.publishLocked(rs, provider.RunEvent(rs.run))
	p.endSegmentLocked(rs, true)
	p.opts.Logger.Debug("provider.run.finished", "provider", providerName, "run_id", rs.run.ID, "status", string(status))
}

// fail ends the run after an error, distinguishing caller cancellation and
// expiry from model failures.
func (p *Provider) fail(ctx context.Context, rs *runState, err error) {
	p.mu.Lock()
	cancelled := rs.cancelRequested
	p.mu.Unlock()

	switch {
	case cancelled:
		p.finish(rs, core.RunStatusCancelled, nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		p.finish(rs, core.RunStatusExpired, nil)
	default:
		p.finish(rs, core.RunStatusFailed, &core.RunError{Code: "server_error", Message: err.Error()})
	}
}

func (p *Provider) publish(rs *runState, ev provider.RawEvent) {
	p.mu.Lock()
	seg := rs.segment
	p.mu.Unlock()
	send(seg, ev)
}

// publishLocked queues ev on the current segment without blocking.
func (p *Provider) publishLocked(rs *runState, ev provider.RawEvent) {
	send(rs.segment, ev)
}

func (p *Provider) endSegmentLocked(rs *runState, terminal bool) {
	if rs.segment == nil {
		return
	}
	if terminal {
		send(rs.segment, provider.DoneEvent())
	}
	rs.segment.end()
	rs.segment = nil
}

func send(seg *segment, ev provider.RawEvent) {
	if seg == nil {
		return
	}
	seg.push(ev)
}
