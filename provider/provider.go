package provider

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
)

// Provider is the remote assistants backend the engine drives. Threads, runs
// and messages live on the provider; the engine only holds their ids.
type Provider interface {
	// Name identifies the backend in logs ("openai", "anthropic", "mock").
	Name() string

	CreateThread(ctx context.Context) (core.Thread, error)
	AddMessage(ctx context.Context, threadID string, parts []core.ContentPart) (core.Message, error)
	UploadImage(ctx context.Context, img core.Image) (string, error)

	CreateRun(ctx context.Context, threadID, assistantID string) (core.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (core.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (core.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (core.Run, error)

	// CreateRunStream starts a run in streaming mode.
	CreateRunStream(ctx context.Context, threadID, assistantID string) (Feed, error)
	// SubmitToolOutputsStream resumes a streaming run and returns the feed
	// carrying the remainder of the run.
	SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (Feed, error)

	// ListMessages returns the messages of a thread in ascending creation
	// order. When runID is set providers may restrict the listing to it.
	ListMessages(ctx context.Context, threadID, runID string) ([]core.Message, error)
}

// ToolDefinition declaratively exposes a callable function to providers that
// need tool schemas at request time.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RawEvent is one undecoded provider stream event. Type uses the assistants
// wire names (thread.run.completed, thread.message.delta, error, done, ...).
type RawEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Feed is a provider event stream. Next blocks until an event is available
// and returns io.EOF when the stream ended normally. Close releases the
// underlying connection and may be called more than once.
type Feed interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// SliceFeed replays a fixed list of events. It is used by the mock provider
// and in tests.
type SliceFeed struct {
	mu     sync.Mutex
	events []RawEvent
	err    error
	closed bool
}

var _ Feed = (*SliceFeed)(nil)

// NewSliceFeed creates a feed that yields events in order, then io.EOF.
func NewSliceFeed(events ...RawEvent) *SliceFeed {
	return &SliceFeed{events: events}
}

// WithError makes the feed fail with err after the scripted events instead
// of returning io.EOF.
func (f *SliceFeed) WithError(err error) *SliceFeed {
	f.err = err
	return f
}

// Next implements Feed.
func (f *SliceFeed) Next(ctx context.Context) (RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return RawEvent{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return RawEvent{}, io.EOF
	}
	if len(f.events) == 0 {
		if f.err != nil {
			return RawEvent{}, f.err
		}
		return RawEvent{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

// Close implements Feed.
func (f *SliceFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *SliceFeed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Remaining returns the number of events not yet consumed.
func (f *SliceFeed) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// LogCall records a provider request outcome. RunLoggers get the structured
// provider call record; other loggers a debug or error line.
func LogCall(logger logging.Logger, provider, op string, start time.Time, err error) {
	if logger == nil {
		return
	}
	dur := time.Since(start)
	if rl, ok := logger.(*logging.RunLogger); ok {
		rl.LogProviderCall(provider, op, dur, err)
		return
	}
	if err != nil {
		logger.Error("provider.call.failed", "provider", provider, "operation", op, "duration", dur, "error", err)
		return
	}
	logger.Debug("provider.call", "provider", provider, "operation", op, "duration", dur)
}
