// Package assistantmesh provides a high-level façade over the run
// orchestration engine. Most applications interact with this package by:
//  1. Creating an AssistantMesh via New() with a provider (OpenAI Assistants,
//     the Anthropic emulation or the mock)
//  2. Optionally registering local tools runs may call
//  3. Sending turns synchronously (Chat), as a live event stream (Stream) or
//     as a collected stream (StreamSync)
//
// Any unset collaborator defaults to an in-memory implementation, which is
// safe for local development and testing. Production deployments typically
// supply a durable conversation store and a structured logger.
package assistantmesh

import (
	"context"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

// Store is a conversation backend that also indexes threads per caller.
type Store interface {
	core.ConversationStore
	core.MessageSearcher
	core.ThreadIndex
}

// Options configures the AssistantMesh instance.
type Options struct {
	// Provider is the remote assistants backend. Without it every turn fails
	// with a *core.ConfigError.
	Provider provider.Provider

	// Catalog resolves public assistant ids (defaults to the built-in entries).
	Catalog *assistant.Catalog

	// Tools are offered to runs in addition to the built-in search tools.
	Tools []tool.Tool

	// DisableBuiltinTools drops search_messages and get_thread_history.
	DisableBuiltinTools bool

	Polling    engine.PollingConfig
	Dispatcher tool.DispatcherConfig

	// EventBufferSize sets the channel buffer of streaming turns.
	EventBufferSize int

	// Store (defaults to an in-memory implementation if not provided)
	Store Store

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AssistantMesh is the high-level façade aggregating the engine and its
// collaborators.
type AssistantMesh struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new AssistantMesh. It fails only when two tools share a name.
func New(optFns ...func(o *Options)) (*AssistantMesh, error) {
	opts := Options{
		Catalog:         assistant.DefaultCatalog(),
		Polling:         engine.DefaultPollingConfig(),
		EventBufferSize: engine.DefaultEventBufferSize,
		Store:           conversation.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	tools := opts.Tools
	if !opts.DisableBuiltinTools {
		tools = append([]tool.Tool{
			tool.NewSearchMessagesTool(opts.Store),
			tool.NewThreadHistoryTool(opts.Store, 0),
		}, tools...)
	}
	registry, err := tool.NewRegistry(tools...)
	if err != nil {
		return nil, err
	}

	e := engine.New(func(o *engine.Options) {
		o.Provider = opts.Provider
		o.Catalog = opts.Catalog
		o.Tools = registry
		o.Dispatcher = opts.Dispatcher
		o.Store = opts.Store
		o.ThreadIndex = opts.Store
		o.Polling = opts.Polling
		o.EventBufferSize = opts.EventBufferSize
		o.Logger = opts.Logger
	})

	return &AssistantMesh{opts: opts, engine: e}, nil
}

// Engine exposes the underlying engine, e.g. for api.NewServer.
func (m *AssistantMesh) Engine() *engine.Engine { return m.engine }

// Store returns the conversation store receiving every message.
func (m *AssistantMesh) Store() Store { return m.opts.Store }

// Callbacks returns the lifecycle hooks of the engine.
func (m *AssistantMesh) Callbacks() *engine.CallbackManager { return m.engine.Callbacks() }

// Chat sends one message and waits for the assistant's reply.
func (m *AssistantMesh) Chat(ctx context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	return m.engine.Chat(ctx, req)
}

// Stream starts a streaming turn. The returned channel is closed after the
// stream.ended or error event.
func (m *AssistantMesh) Stream(ctx context.Context, req engine.ChatRequest) (<-chan core.StreamEvent, string, error) {
	return m.engine.Stream(ctx, req)
}

// StreamSync is a synchronous helper that drains a streaming turn and returns
// the collected events together with the thread id.
func (m *AssistantMesh) StreamSync(ctx context.Context, req engine.ChatRequest) (string, []core.StreamEvent, error) {
	eventsCh, threadID, err := m.engine.Stream(ctx, req)
	if err != nil {
		return threadID, nil, err
	}

	var events []core.StreamEvent
	for {
		select {
		case <-ctx.Done():
			// The engine still closes the channel; return what arrived so far.
			return threadID, events, ctx.Err()
		case ev, ok := <-eventsCh:
			if !ok {
				return threadID, events, nil
			}
			events = append(events, ev)
		}
	}
}

// Cancel requests cancellation of a run.
func (m *AssistantMesh) Cancel(ctx context.Context, threadID, runID string) (core.Run, error) {
	return m.engine.Cancel(ctx, threadID, runID)
}
