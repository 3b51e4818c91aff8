package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/provider"
)

func TestRunGuard(t *testing.T) {
	g := NewRunGuard()

	ctx, release, err := g.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)
	assert.True(t, g.Active("thread_1"))

	_, _, err = g.Acquire(context.Background(), "thread_1")
	assert.ErrorIs(t, err, core.ErrRunActive)

	_, releaseOther, err := g.Acquire(context.Background(), "thread_2")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	releaseOther()

	release()
	release()
	assert.Error(t, ctx.Err(), "release cancels the run context")
	assert.False(t, g.Active("thread_1"))
	assert.Zero(t, g.Len())

	_, release, err = g.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)
	release()
}

func TestRunGuard_Stop(t *testing.T) {
	g := NewRunGuard()
	assert.False(t, g.Stop("thread_1"))

	ctx, release, err := g.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)
	defer release()

	assert.True(t, g.Stop("thread_1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.True(t, g.Active("thread_1"), "the slot is held until released")
}

func TestRunGuard_ConcurrentAcquire(t *testing.T) {
	g := NewRunGuard()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := g.Acquire(context.Background(), "thread_1"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

type failingIndex struct {
	lookupErr   error
	rememberErr error
	remembered  []core.Thread
}

func (f *failingIndex) LookupThread(context.Context, string, string) (string, bool, error) {
	return "", false, f.lookupErr
}

func (f *failingIndex) RememberThread(_ context.Context, thread core.Thread) error {
	f.remembered = append(f.remembered, thread)
	return f.rememberErr
}

func TestThreadManager_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("existing id is trusted", func(t *testing.T) {
		p := provider.NewMockProvider()
		m := NewThreadManager(p, nil, nil)
		id, err := m.Resolve(ctx, "a1", "thread_existing", "")
		require.NoError(t, err)
		assert.Equal(t, "thread_existing", id)
		assert.Zero(t, p.ThreadsCreated())
	})

	t.Run("new thread per request without index", func(t *testing.T) {
		p := provider.NewMockProvider()
		m := NewThreadManager(p, nil, nil)
		first, err := m.Resolve(ctx, "a1", "", "caller")
		require.NoError(t, err)
		second, err := m.Resolve(ctx, "a1", "", "caller")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		assert.Equal(t, 2, p.ThreadsCreated())
	})

	t.Run("index reuses thread per caller", func(t *testing.T) {
		p := provider.NewMockProvider()
		m := NewThreadManager(p, conversation.NewInMemoryStore(), nil)
		first, err := m.Resolve(ctx, "a1", "", "caller")
		require.NoError(t, err)
		again, err := m.Resolve(ctx, "a1", "", "caller")
		require.NoError(t, err)
		other, err := m.Resolve(ctx, "a2", "", "caller")
		require.NoError(t, err)

		assert.Equal(t, first, again)
		assert.NotEqual(t, first, other)
		assert.Equal(t, 2, p.ThreadsCreated())
	})

	t.Run("index failures fall back to creation", func(t *testing.T) {
		p := provider.NewMockProvider()
		idx := &failingIndex{lookupErr: errors.New("db down"), rememberErr: errors.New("db down")}
		m := NewThreadManager(p, idx, nil)
		id, err := m.Resolve(ctx, "a1", "", "caller")
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		require.Len(t, idx.remembered, 1)
		assert.Equal(t, "caller", idx.remembered[0].CallerRef)
		assert.Equal(t, "a1", idx.remembered[0].AssistantRef)
	})

	t.Run("creation failure", func(t *testing.T) {
		p := provider.NewMockProvider()
		p.CreateThreadErr = errors.New("quota")
		m := NewThreadManager(p, nil, nil)
		_, err := m.Resolve(ctx, "a1", "", "")
		var tErr *core.ThreadCreationError
		require.ErrorAs(t, err, &tErr)
		assert.EqualError(t, tErr.Err, "quota")
	})
}

func TestResponseExtractor(t *testing.T) {
	ctx := context.Background()
	p := provider.NewMockProvider()
	x := NewResponseExtractor(p, nil)

	th, err := p.CreateThread(ctx)
	require.NoError(t, err)
	run := core.Run{ID: "run_x", ThreadID: th.ID}

	_, _, err = x.Extract(ctx, run)
	assert.ErrorIs(t, err, core.ErrNoAssistantResponse)

	p.AddAssistantMessage(th.ID, "run_other", "not mine")
	p.AddAssistantMessage(th.ID, run.ID, "first")
	p.AddAssistantMessage(th.ID, run.ID, "second")

	reply, msg, err := x.Extract(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "second", reply)
	assert.Equal(t, run.ID, msg.RunID)

	p.ListErr = errors.New("timeout")
	_, _, err = x.Extract(ctx, run)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "could not get final response from the assistant"))
}

type imageOnlyProvider struct {
	*provider.MockProvider
}

func (p imageOnlyProvider) ListMessages(_ context.Context, threadID, runID string) ([]core.Message, error) {
	return []core.Message{{
		ID:       "msg_img",
		ThreadID: threadID,
		RunID:    runID,
		Role:     core.RoleAssistant,
		Parts:    []core.ContentPart{core.ImageFilePart("file_1")},
	}}, nil
}

func TestResponseExtractor_NoText(t *testing.T) {
	x := NewResponseExtractor(imageOnlyProvider{provider.NewMockProvider()}, nil)
	reply, msg, err := x.Extract(context.Background(), core.Run{ID: "run_1", ThreadID: "thread_1"})
	require.NoError(t, err)
	assert.Equal(t, NoTextReply, reply)
	assert.Equal(t, "msg_img", msg.ID)
}

type failingStore struct{}

func (failingStore) Insert(context.Context, core.Message) error { return errors.New("disk full") }

func TestMessagePoster(t *testing.T) {
	ctx := context.Background()

	t.Run("text and image", func(t *testing.T) {
		p := provider.NewMockProvider()
		store := conversation.NewInMemoryStore()
		poster := NewMessagePoster(p, store, nil)

		msg, err := poster.Post(ctx, "thread_1", "a1", UserInput{
			Text:  "what is this?",
			Image: &core.Image{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"},
		})
		require.NoError(t, err)
		require.Len(t, msg.Parts, 2)
		assert.Equal(t, core.PartTypeText, msg.Parts[0].Type)
		assert.Equal(t, core.PartTypeImageFile, msg.Parts[1].Type)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, msg.Parts[1].FileID, msg.Attachments[0].FileID)
		assert.Equal(t, "a1", msg.AssistantRef)
		assert.Len(t, p.Uploads(), 1)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("placeholder for empty input", func(t *testing.T) {
		p := provider.NewMockProvider()
		msg, err := NewMessagePoster(p, nil, nil).Post(ctx, "thread_1", "a1", UserInput{Text: "   "})
		require.NoError(t, err)
		assert.Equal(t, PlaceholderText, msg.Content)
	})

	t.Run("upload failure", func(t *testing.T) {
		p := provider.NewMockProvider()
		p.UploadErr = errors.New("too large")
		_, err := NewMessagePoster(p, nil, nil).Post(ctx, "thread_1", "a1", UserInput{
			Text:  "hi",
			Image: &core.Image{Data: []byte{1}, MIMEType: "image/png"},
		})
		var aErr *core.AttachmentError
		assert.ErrorAs(t, err, &aErr)
		assert.Empty(t, p.Messages("thread_1"))
	})

	t.Run("append failure", func(t *testing.T) {
		p := provider.NewMockProvider()
		p.AddMessageErr = errors.New("thread locked")
		_, err := NewMessagePoster(p, nil, nil).Post(ctx, "thread_1", "a1", UserInput{Text: "hi"})
		var mErr *core.MessageError
		require.ErrorAs(t, err, &mErr)
		assert.Equal(t, "thread_1", mErr.ThreadID)
	})

	t.Run("store failure is not fatal", func(t *testing.T) {
		p := provider.NewMockProvider()
		msg, err := NewMessagePoster(p, failingStore{}, nil).Post(ctx, "thread_1", "a1", UserInput{Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", msg.Content)
	})
}

func TestRunLauncher(t *testing.T) {
	p := provider.NewMockProvider()
	l := NewRunLauncher(p, nil)

	run, err := l.Launch(context.Background(), "thread_1", "asst_1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", run.ThreadID)

	p.CreateRunErr = errors.New("no such assistant")
	_, err = l.Launch(context.Background(), "thread_1", "asst_1")
	var lErr *core.RunLaunchError
	require.ErrorAs(t, err, &lErr)
	assert.Equal(t, "asst_1", lErr.AssistantID)

	_, err = l.LaunchStream(context.Background(), "thread_1", "asst_1")
	assert.ErrorAs(t, err, &lErr)
}

func TestCallbackManager(t *testing.T) {
	ctx := context.Background()
	cm := NewCallbackManager()

	var order []string
	cm.RegisterCallback(NewFunctionCallback(CallbackBeforeRun, func(_ context.Context, cc *CallbackContext) error {
		order = append(order, "first:"+string(cc.CallbackType))
		return nil
	}))
	cm.RegisterCallback(NewRequestValidationCallback(func(cc *CallbackContext) error {
		if cc.CallerRef == "" {
			return errors.New("caller reference is required")
		}
		order = append(order, "validated")
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackBeforeRun, func(context.Context, *CallbackContext) error {
		order = append(order, "last")
		return nil
	}))

	err := cm.ExecuteCallbacks(ctx, CallbackBeforeRun, &CallbackContext{})
	assert.EqualError(t, err, "caller reference is required")
	assert.Equal(t, []string{"first:before_run"}, order)

	order = nil
	require.NoError(t, cm.ExecuteCallbacks(ctx, CallbackBeforeRun, &CallbackContext{CallerRef: "u1"}))
	assert.Equal(t, []string{"first:before_run", "validated", "last"}, order)

	assert.NoError(t, cm.ExecuteCallbacks(ctx, CallbackAfterRun, &CallbackContext{}))

	var nilManager *CallbackManager
	assert.NoError(t, nilManager.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{}))
}

func TestLoggingCallback(t *testing.T) {
	var lines []string
	cb := NewLoggingCallback(CallbackOnStatusChange, func(message string) { lines = append(lines, message) })
	assert.Equal(t, CallbackOnStatusChange, cb.Type())

	err := cb.Execute(context.Background(), &CallbackContext{
		AssistantRef:   "a1",
		ThreadID:       "thread_1",
		Run:            &core.Run{ID: "run_1", Status: core.RunStatusCompleted},
		PreviousStatus: core.RunStatusInProgress,
		Err:            errors.New("late"),
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t,
		"[on_status_change] assistant=a1 thread=thread_1 run=run_1 status=completed previous=in_progress error=late",
		lines[0])

	assert.NoError(t, NewLoggingCallback(CallbackAfterRun, nil).Execute(context.Background(), &CallbackContext{}))
}
