package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

// DefaultEventBufferSize is the capacity of the channel returned by Stream.
const DefaultEventBufferSize = 64

// Options configures an Engine.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Provider = openai.NewProvider(func(o *openai.Options) { o.APIKey = key })
//	    o.Store = conversation.NewInMemoryStore()
//	    o.Polling.Delay = time.Second
//	})
type Options struct {
	// Provider is the remote assistants backend. Without it every request
	// fails with a *core.ConfigError.
	Provider provider.Provider

	// Catalog resolves public assistant ids. Defaults to the built-in catalog.
	Catalog *assistant.Catalog

	// Tools are the local functions runs may call. Defaults to an empty registry.
	Tools *tool.Registry

	// Dispatcher tunes tool execution.
	Dispatcher tool.DispatcherConfig

	// Store receives every user and assistant message. Optional.
	Store core.ConversationStore

	// ThreadIndex maps (assistant, caller) pairs to threads. Optional.
	ThreadIndex core.ThreadIndex

	Polling PollingConfig

	// Clock drives polling delays. Defaults to RealClock.
	Clock Clock

	Callbacks *CallbackManager

	EventBufferSize int

	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// ChatRequest is one caller turn.
type ChatRequest struct {
	// AssistantID is the public catalog id.
	AssistantID string
	Message     string
	Image       *core.Image
	// ThreadID continues an existing conversation when set.
	ThreadID  string
	CallerRef string
}

// Validate checks the request shape. Errors are *core.RequestError.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.AssistantID) == "" {
		return &core.RequestError{Message: "assistantId is required"}
	}
	hasImage := r.Image != nil && len(r.Image.Data) > 0
	if strings.TrimSpace(r.Message) == "" && !hasImage {
		return &core.RequestError{Message: "Valid text or image is required"}
	}
	return nil
}

// ChatResponse is the result of a polling turn. ThreadID is also set on
// failed turns once a thread was resolved.
type ChatResponse struct {
	Reply    string
	ThreadID string
	RunID    string
	Message  core.Message
}

// Engine orchestrates a conversation turn: it resolves the thread, posts the
// user message, launches a run and drives it to completion by polling or by
// relaying the provider stream.
//
// Concurrency Model:
//   - every request runs on its caller's goroutine (Chat) or one relay
//     goroutine (Stream)
//   - at most one run per thread is active within the process; a second
//     request for the same thread fails with core.ErrRunActive
//   - the tool registry is read-only after construction
type Engine struct {
	provider  provider.Provider
	catalog   *assistant.Catalog
	guard     *RunGuard
	callbacks *CallbackManager
	logger    logging.Logger
	bufSize   int
	configErr error

	threads   *ThreadManager
	launcher  *RunLauncher
	poster    *MessagePoster
	extractor *ResponseExtractor
	polling   *PollingDriver
	streaming *StreamingDriver
	store     core.ConversationStore
}

// New creates an Engine. Components without an explicit option fall back to
// defaults suitable for development; a missing Provider is reported on use.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Polling:         DefaultPollingConfig(),
		EventBufferSize: DefaultEventBufferSize,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Catalog == nil {
		opts.Catalog = assistant.DefaultCatalog()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = DefaultEventBufferSize
	}
	if opts.Dispatcher.Logger == nil {
		opts.Dispatcher.Logger = opts.Logger
	}

	e := &Engine{
		provider:  opts.Provider,
		catalog:   opts.Catalog,
		guard:     NewRunGuard(),
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		bufSize:   opts.EventBufferSize,
		store:     opts.Store,
	}

	if opts.Provider == nil {
		e.configErr = &core.ConfigError{Reason: "Incomplete server configuration for assistants (API Key)."}
		return e
	}

	dispatcher := tool.NewDispatcher(opts.Tools, opts.Dispatcher)
	e.threads = NewThreadManager(opts.Provider, opts.ThreadIndex, opts.Logger)
	e.launcher = NewRunLauncher(opts.Provider, opts.Logger)
	e.poster = NewMessagePoster(opts.Provider, opts.Store, opts.Logger)
	e.extractor = NewResponseExtractor(opts.Provider, opts.Logger)
	e.polling = NewPollingDriver(opts.Provider, dispatcher, opts.Callbacks, opts.Clock, opts.Polling, opts.Logger)
	e.streaming = NewStreamingDriver(opts.Provider, dispatcher, opts.Callbacks, opts.Store, opts.Logger)

	return e
}

// Catalog returns the assistant catalog.
func (e *Engine) Catalog() *assistant.Catalog { return e.catalog }

// Callbacks returns the callback manager for registration.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Guard exposes the active run guard.
func (e *Engine) Guard() *RunGuard { return e.guard }

// Ready returns the configuration error every request would fail with, or nil.
func (e *Engine) Ready() error { return e.configErr }

// prepared is a turn that passed validation and holds the thread slot.
type prepared struct {
	turn    *Turn
	ctx     context.Context
	release func()
}

// prepare validates req, resolves the assistant and thread, acquires the
// thread slot, runs before_run callbacks and posts the user message. On
// success the caller owns p.release.
func (e *Engine) prepare(ctx context.Context, req ChatRequest) (*prepared, string, error) {
	if e.configErr != nil {
		return nil, "", e.configErr
	}
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	a, err := e.catalog.Resolve(req.AssistantID)
	if err != nil {
		return nil, "", err
	}

	threadID, err := e.threads.Resolve(ctx, a.ID, req.ThreadID, req.CallerRef)
	if err != nil {
		return nil, "", err
	}

	runCtx, release, err := e.guard.Acquire(ctx, threadID)
	if err != nil {
		return nil, threadID, err
	}

	turn := &Turn{
		AssistantRef: a.ID,
		AssistantID:  a.AssistantID,
		ThreadID:     threadID,
		CallerRef:    req.CallerRef,
	}

	if err := e.callbacks.ExecuteCallbacks(runCtx, CallbackBeforeRun, turn.callbackContext(nil)); err != nil {
		release()
		return nil, threadID, &core.RequestError{Message: err.Error()}
	}

	if _, err := e.poster.Post(runCtx, threadID, a.ID, UserInput{Text: req.Message, Image: req.Image}); err != nil {
		release()
		return nil, threadID, err
	}

	return &prepared{turn: turn, ctx: runCtx, release: release}, threadID, nil
}

// Chat runs one polling turn and returns the assistant's text reply.
//
// Failures are typed: *core.RequestError, assistant.ErrUnknownAssistant,
// *core.ConfigError, *core.ThreadCreationError, core.ErrRunActive,
// *core.AttachmentError, *core.MessageError, *core.RunLaunchError,
// *core.UnsupportedActionError, *core.RunTimeoutError,
// *core.RunFailedError and core.ErrNoAssistantResponse.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p, threadID, err := e.prepare(ctx, req)
	if err != nil {
		return ChatResponse{ThreadID: threadID}, e.failed(ctx, req, threadID, nil, err)
	}
	defer p.release()

	start := time.Now()
	resp := ChatResponse{ThreadID: threadID}

	run, err := e.launcher.Launch(p.ctx, threadID, p.turn.AssistantID)
	if err != nil {
		return resp, e.failed(ctx, req, threadID, nil, err)
	}
	resp.RunID = run.ID
	p.turn.Run = run

	run, err = e.polling.Drive(p.ctx, p.turn)
	e.logOutcome(threadID, run, p.turn.Attempts, time.Since(start), err)
	if err != nil {
		return resp, e.failed(ctx, req, threadID, &run, err)
	}

	if run.Status != core.RunStatusCompleted {
		err := &core.RunFailedError{RunID: run.ID, Status: run.Status, LastError: run.LastError}
		return resp, e.failed(ctx, req, threadID, &run, err)
	}

	reply, msg, err := e.extractor.Extract(p.ctx, run)
	if err != nil {
		return resp, e.failed(ctx, req, threadID, &run, err)
	}
	msg.AssistantRef = p.turn.AssistantRef
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}
	persist(p.ctx, e.store, e.logger, msg)

	resp.Reply = reply
	resp.Message = msg

	cc := p.turn.callbackContext(&run)
	notify(p.ctx, e.callbacks, e.logger, CallbackAfterRun, cc)
	return resp, nil
}

// Stream starts one streaming turn. The returned channel yields events in
// provider order and is closed after the terminal stream.ended or error
// event. Cancelling ctx aborts the relay and releases the provider
// connection. Errors before the run starts are returned directly.
func (e *Engine) Stream(ctx context.Context, req ChatRequest) (<-chan core.StreamEvent, string, error) {
	p, threadID, err := e.prepare(ctx, req)
	if err != nil {
		return nil, threadID, e.failed(ctx, req, threadID, nil, err)
	}

	feed, err := e.launcher.LaunchStream(p.ctx, threadID, p.turn.AssistantID)
	if err != nil {
		p.release()
		return nil, threadID, e.failed(ctx, req, threadID, nil, err)
	}

	events := make(chan core.StreamEvent, e.bufSize)
	p.turn.Feed = feed
	p.turn.Events = events

	go func() {
		defer close(events)
		defer p.release()

		start := time.Now()
		run, err := e.streaming.Drive(p.ctx, p.turn)
		e.logOutcome(threadID, run, 0, time.Since(start), err)

		cc := p.turn.callbackContext(&run)
		if err != nil {
			cc.Err = err
			notify(context.WithoutCancel(p.ctx), e.callbacks, e.logger, CallbackOnError, cc)
			return
		}
		notify(p.ctx, e.callbacks, e.logger, CallbackAfterRun, cc)
	}()

	return events, threadID, nil
}

// Cancel stops the local driver of threadID (if any) and asks the provider
// to cancel runID. Cancellation is advisory.
func (e *Engine) Cancel(ctx context.Context, threadID, runID string) (core.Run, error) {
	if e.configErr != nil {
		return core.Run{}, e.configErr
	}
	if threadID == "" || runID == "" {
		return core.Run{}, &core.RequestError{Message: "threadId and runId are required"}
	}

	stopped := e.guard.Stop(threadID)

	start := time.Now()
	run, err := e.provider.CancelRun(ctx, threadID, runID)
	provider.LogCall(e.logger, e.provider.Name(), "cancel_run", start, err)
	if err != nil {
		return core.Run{}, fmt.Errorf("could not cancel run %s: %w", runID, err)
	}
	e.logger.Info("engine.run.cancel_requested", "thread_id", threadID, "run_id", runID, "local_stopped", stopped, "status", run.Status)
	return run, nil
}

// failed runs on_error callbacks and logs err before returning it.
func (e *Engine) failed(ctx context.Context, req ChatRequest, threadID string, run *core.Run, err error) error {
	level := e.logger.Error
	var reqErr *core.RequestError
	if errors.As(err, &reqErr) || errors.Is(err, assistant.ErrUnknownAssistant) || errors.Is(err, core.ErrRunActive) {
		level = e.logger.Warn
	}
	level("engine.turn.failed", "assistant", req.AssistantID, "thread_id", threadID, "error", err)

	cc := &CallbackContext{
		AssistantRef: req.AssistantID,
		ThreadID:     threadID,
		CallerRef:    req.CallerRef,
		Run:          run,
		Err:          err,
	}
	notify(context.WithoutCancel(ctx), e.callbacks, e.logger, CallbackOnError, cc)
	return err
}

func (e *Engine) logOutcome(threadID string, run core.Run, attempts int, dur time.Duration, err error) {
	if rl, ok := e.logger.(*logging.RunLogger); ok {
		rl.WithRun(threadID, run.ID).LogRunOutcome(string(run.Status), attempts, dur, err)
		return
	}
	e.logger.Info("engine.run.finished", "thread_id", threadID, "run_id", run.ID, "status", run.Status, "attempts", attempts, "duration", dur)
}
