package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/internal/testutil"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

type testEnv struct {
	engine   *Engine
	provider *provider.MockProvider
	store    *conversation.InMemoryStore
	clock    *testutil.FakeClock
}

func newTestEnv(t *testing.T, p *provider.MockProvider, fns ...func(o *Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: p,
		store:    conversation.NewInMemoryStore(),
		clock:    testutil.NewFakeClock(),
	}
	all := append([]func(o *Options){func(o *Options) {
		o.Provider = p
		o.Catalog = assistant.NewCatalog(assistant.Assistant{ID: "a1", AssistantID: "asst_1", Name: "Test"})
		o.Store = env.store
		o.Clock = env.clock
	}}, fns...)
	env.engine = New(all...)
	return env
}

// recordingSearcher captures the queries tools issue.
type recordingSearcher struct {
	mu      sync.Mutex
	queries []core.MessageQuery
}

func (r *recordingSearcher) Search(_ context.Context, q core.MessageQuery) ([]core.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	return nil, nil
}

func TestEngine_ChatCreatesThreadAndPolls(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued,
		provider.MockStep{Status: core.RunStatusInProgress},
		provider.MockStep{Status: core.RunStatusCompleted, Reply: "Hi there"},
	)
	env := newTestEnv(t, p)

	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Reply)
	assert.Equal(t, "thread_1", resp.ThreadID)
	assert.Equal(t, 1, p.ThreadsCreated())
	assert.Equal(t, 2, p.GetRunCalls())
	assert.Equal(t, []time.Duration{DefaultPollDelay, DefaultPollDelay}, env.clock.Sleeps())

	stored, err := env.store.Search(context.Background(), core.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, core.RoleAssistant, stored[0].Role)
	assert.Equal(t, "Hi there", stored[0].Content)
	assert.Equal(t, "a1", stored[0].AssistantRef)
	assert.Equal(t, "hello", stored[1].Content)
	assert.False(t, env.engine.Guard().Active("thread_1"))
}

func TestEngine_ChatReusesExistingThread(t *testing.T) {
	p := provider.NewMockProvider()
	env := newTestEnv(t, p)

	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hello", ThreadID: "thread_x"})
	require.NoError(t, err)

	assert.Equal(t, "thread_x", resp.ThreadID)
	assert.Equal(t, "Mock response to: hello", resp.Reply)
	assert.Equal(t, 0, p.ThreadsCreated())
}

func TestEngine_ChatCallerRefReusesIndexedThread(t *testing.T) {
	p := provider.NewMockProvider()
	env := newTestEnv(t, p, func(o *Options) { o.ThreadIndex = conversation.NewInMemoryStore() })
	ctx := context.Background()

	first, err := env.engine.Chat(ctx, ChatRequest{AssistantID: "a1", Message: "one", CallerRef: "user-1"})
	require.NoError(t, err)
	second, err := env.engine.Chat(ctx, ChatRequest{AssistantID: "a1", Message: "two", CallerRef: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, 1, p.ThreadsCreated())
}

func TestEngine_ChatValidation(t *testing.T) {
	env := newTestEnv(t, provider.NewMockProvider())
	ctx := context.Background()

	_, err := env.engine.Chat(ctx, ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.EqualError(t, err, "assistantId is required")

	_, err = env.engine.Chat(ctx, ChatRequest{AssistantID: "a1", Message: "   "})
	assert.EqualError(t, err, "Valid text or image is required")

	_, err = env.engine.Chat(ctx, ChatRequest{AssistantID: "unknown", Message: "hi"})
	assert.ErrorIs(t, err, assistant.ErrUnknownAssistant)
}

func TestEngine_ChatWithoutProvider(t *testing.T) {
	eng := New()
	_, err := eng.Chat(context.Background(), ChatRequest{AssistantID: "general-assistant", Message: "hi"})
	assert.ErrorIs(t, err, core.ErrNotConfigured)
	assert.Error(t, eng.Ready())
}

func TestEngine_ChatImageOnly(t *testing.T) {
	p := provider.NewMockProvider()
	env := newTestEnv(t, p)

	img := &core.Image{Data: []byte{0x89, 0x50}, MIMEType: "image/png", Filename: "image.png"}
	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Image: img})
	require.NoError(t, err)

	require.Len(t, p.Uploads(), 1)
	msgs := p.Messages(resp.ThreadID)
	require.NotEmpty(t, msgs)
	user := msgs[0]
	require.Len(t, user.Parts, 1)
	assert.Equal(t, core.PartTypeImageFile, user.Parts[0].Type)
}

func TestEngine_ChatUploadFailure(t *testing.T) {
	p := provider.NewMockProvider()
	p.UploadErr = errors.New("quota")
	env := newTestEnv(t, p)

	img := &core.Image{Data: []byte{1}, MIMEType: "image/png"}
	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "look", Image: img})

	var attErr *core.AttachmentError
	assert.ErrorAs(t, err, &attErr)
	assert.Equal(t, "thread_1", resp.ThreadID)
	assert.False(t, env.engine.Guard().Active("thread_1"))
}

func TestEngine_ChatThreadCreationFailure(t *testing.T) {
	p := provider.NewMockProvider()
	p.CreateThreadErr = errors.New("unavailable")
	env := newTestEnv(t, p)

	_, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})
	assert.ErrorIs(t, err, core.ErrThreadCreationFailed)
}

func TestEngine_ChatRunLaunchFailure(t *testing.T) {
	p := provider.NewMockProvider()
	p.CreateRunErr = errors.New("no such assistant")
	env := newTestEnv(t, p)

	_, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})
	var launchErr *core.RunLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "asst_1", launchErr.AssistantID)
}

func TestEngine_ChatFailedRunReportsProviderMessage(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued,
		provider.MockStep{Status: core.RunStatusFailed, LastError: &core.RunError{Code: "rate_limit_exceeded", Message: "rate_limited"}},
	)
	env := newTestEnv(t, p)

	_, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})

	var failed *core.RunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Contains(t, err.Error(), "rate_limited")
	assert.Equal(t, "rate_limited (Code: rate_limit_exceeded)", err.Error())
}

func TestEngine_ChatDispatchesToolsWithClampedLimit(t *testing.T) {
	searcher := &recordingSearcher{}
	registry, err := tool.NewRegistry(tool.NewSearchMessagesTool(searcher))
	require.NoError(t, err)

	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued,
		provider.MockStep{Status: core.RunStatusRequiresAction, ToolCalls: []core.ToolCall{{
			ID:        "call_1",
			Name:      tool.SearchMessagesToolName,
			Arguments: `{"filters":{"role":"user"},"limit":600}`,
		}}},
		provider.MockStep{Status: core.RunStatusCompleted, Reply: "nothing found"},
	)
	env := newTestEnv(t, p, func(o *Options) { o.Tools = registry })

	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "search"})
	require.NoError(t, err)
	assert.Equal(t, "nothing found", resp.Reply)

	require.Len(t, searcher.queries, 1)
	assert.Equal(t, 500, searcher.queries[0].Limit)

	batches := p.Submitted()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "call_1", batches[0][0].ToolCallID)
	assert.JSONEq(t, `{"message":"No messages found matching the given filters."}`, batches[0][0].Output)
}

func TestEngine_ChatTimeoutCancelsRun(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued)
	env := newTestEnv(t, p, func(o *Options) { o.Polling.MaxAttempts = 3 })

	resp, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})

	var timeout *core.RunTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, core.RunStatusQueued, timeout.LastStatus)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, []string{resp.RunID}, p.Cancelled())
}

func TestEngine_ChatRejectsActiveThread(t *testing.T) {
	env := newTestEnv(t, provider.NewMockProvider())

	_, release, err := env.engine.Guard().Acquire(context.Background(), "thread_busy")
	require.NoError(t, err)
	defer release()

	_, err = env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi", ThreadID: "thread_busy"})
	assert.ErrorIs(t, err, core.ErrRunActive)
}

func TestEngine_BeforeRunCallbackVetoes(t *testing.T) {
	p := provider.NewMockProvider()
	env := newTestEnv(t, p)
	env.engine.Callbacks().RegisterCallback(NewRequestValidationCallback(func(cc *CallbackContext) error {
		if cc.CallerRef == "" {
			return errors.New("caller reference is required")
		}
		return nil
	}))

	_, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi", ThreadID: "thread_9"})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Empty(t, p.Messages("thread_9"))
	assert.False(t, env.engine.Guard().Active("thread_9"))
}

func TestEngine_CallbacksObserveTurn(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued,
		provider.MockStep{Status: core.RunStatusInProgress},
		provider.MockStep{Status: core.RunStatusCompleted, Reply: "ok"},
	)
	env := newTestEnv(t, p)

	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		entry := string(cc.CallbackType)
		if cc.CallbackType == CallbackOnStatusChange {
			entry += ":" + string(cc.Run.Status)
		}
		seen = append(seen, entry)
		return nil
	}
	for _, typ := range []CallbackType{CallbackBeforeRun, CallbackOnStatusChange, CallbackAfterRun, CallbackOnError} {
		env.engine.Callbacks().RegisterCallback(NewFunctionCallback(typ, record))
	}

	_, err := env.engine.Chat(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"before_run",
		"on_status_change:in_progress",
		"on_status_change:completed",
		"after_run",
	}, seen)
}

func TestEngine_StreamRelaysEchoFeed(t *testing.T) {
	p := provider.NewMockProvider()
	env := newTestEnv(t, p)

	events, threadID, err := env.engine.Stream(context.Background(), ChatRequest{AssistantID: "a1", Message: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, "thread_1", threadID)

	var (
		got       []core.StreamEvent
		reply     string
		terminals int
	)
	for ev := range events {
		got = append(got, ev)
		assert.Equal(t, threadID, ev.ThreadID)
		if ev.Type == core.EventMessageDelta {
			reply += ev.Data.(map[string]any)["delta"].(string)
		}
		if ev.Type.IsStreamTerminal() {
			terminals++
		}
	}

	require.NotEmpty(t, got)
	assert.Equal(t, 1, terminals)
	assert.Equal(t, core.EventStreamEnded, got[len(got)-1].Type)
	assert.Equal(t, core.EventRunCompleted, got[len(got)-2].Type)
	assert.Equal(t, "Mock response to: hello world", reply)

	filters, err := core.ParseFilters(map[string]any{"role": "assistant"})
	require.NoError(t, err)
	stored, err := env.store.Search(context.Background(), core.MessageQuery{Filters: filters})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Mock response to: hello world", stored[0].Content)
	assert.Equal(t, 2, env.store.Len())
	assert.False(t, env.engine.Guard().Active(threadID))
}

func TestEngine_StreamLaunchFailure(t *testing.T) {
	p := provider.NewMockProvider()
	p.CreateRunErr = errors.New("boom")
	env := newTestEnv(t, p)

	events, threadID, err := env.engine.Stream(context.Background(), ChatRequest{AssistantID: "a1", Message: "hi"})
	assert.Nil(t, events)
	var launchErr *core.RunLaunchError
	assert.ErrorAs(t, err, &launchErr)
	assert.False(t, env.engine.Guard().Active(threadID))
}

func TestEngine_Cancel(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusInProgress)
	env := newTestEnv(t, p)
	ctx := context.Background()

	run, err := p.CreateRun(ctx, "thread_1", "asst_1")
	require.NoError(t, err)

	got, err := env.engine.Cancel(ctx, "thread_1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelling, got.Status)
	assert.Equal(t, []string{run.ID}, p.Cancelled())

	_, err = env.engine.Cancel(ctx, "", "")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}
