package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/assistantmesh/core"
)

// MockStep is one scripted observation returned by MockProvider.GetRun.
type MockStep struct {
	Status     core.RunStatus
	ToolCalls  []core.ToolCall
	ActionType string // defaults to submit_tool_outputs when ToolCalls are set
	LastError  *core.RunError
	// Reply appends an assistant message for the run when the step is observed.
	Reply string
	// Err makes GetRun fail for this observation.
	Err error
}

// MockProvider is a lightweight in-memory Provider useful for tests, examples
// and offline demos. Runs follow a script configured with ScriptRun and
// ScriptStream; without a script a run completes at once and answers with
// "Mock response to: <last user text>". The *Err fields inject failures;
// set them before use.
type MockProvider struct {
	CreateThreadErr error
	AddMessageErr   error
	UploadErr       error
	CreateRunErr    error
	SubmitErr       error
	CancelErr       error
	ListErr         error

	mu        sync.Mutex
	seq       int
	messages  map[string][]core.Message
	runs      map[string]*core.Run
	initial   core.RunStatus
	steps     []MockStep
	streams   [][]RawEvent
	feeds     []*SliceFeed
	submitted [][]core.ToolOutput
	getRuns   int
	cancelled []string
	uploads   []core.Image
	threads   int
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider constructs an empty mock whose runs complete immediately.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		messages: make(map[string][]core.Message),
		runs:     make(map[string]*core.Run),
		initial:  core.RunStatusCompleted,
	}
}

// ScriptRun sets the launch status and the GetRun observations of the next
// polling run.
func (m *MockProvider) ScriptRun(initial core.RunStatus, steps ...MockStep) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initial = initial
	m.steps = append([]MockStep(nil), steps...)
	return m
}

// ScriptStream queues feeds handed out by CreateRunStream and
// SubmitToolOutputsStream, in order.
func (m *MockProvider) ScriptStream(feeds ...[]RawEvent) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, feeds...)
	return m
}

func (m *MockProvider) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// CreateThread implements Provider.
func (m *MockProvider) CreateThread(_ context.Context) (core.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateThreadErr != nil {
		return core.Thread{}, m.CreateThreadErr
	}
	m.threads++
	id := m.nextID("thread")
	m.messages[id] = nil
	return core.Thread{ID: id, CreatedAt: time.Now().UTC()}, nil
}

// AddMessage implements Provider.
func (m *MockProvider) AddMessage(_ context.Context, threadID string, parts []core.ContentPart) (core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddMessageErr != nil {
		return core.Message{}, m.AddMessageErr
	}
	msg := core.Message{
		ID:        m.nextID("msg"),
		ThreadID:  threadID,
		Role:      core.RoleUser,
		Parts:     append([]core.ContentPart(nil), parts...),
		Content:   core.JoinText(parts),
		CreatedAt: time.Now().UTC(),
	}
	m.messages[threadID] = append(m.messages[threadID], msg)
	return msg, nil
}

// AddAssistantMessage appends an assistant message to a thread.
func (m *MockProvider) AddAssistantMessage(threadID, runID, text string) core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addAssistantLocked(threadID, runID, text)
}

func (m *MockProvider) addAssistantLocked(threadID, runID, text string) core.Message {
	parts := []core.ContentPart{core.TextPart(text)}
	msg := core.Message{
		ID:        m.nextID("msg"),
		ThreadID:  threadID,
		RunID:     runID,
		Role:      core.RoleAssistant,
		Parts:     parts,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	m.messages[threadID] = append(m.messages[threadID], msg)
	return msg
}

// UploadImage implements Provider.
func (m *MockProvider) UploadImage(_ context.Context, img core.Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	m.uploads = append(m.uploads, img)
	return m.nextID("file"), nil
}

// CreateRun implements Provider.
func (m *MockProvider) CreateRun(_ context.Context, threadID, assistantID string) (core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRunErr != nil {
		return core.Run{}, m.CreateRunErr
	}
	run := &core.Run{
		ID:          m.nextID("run"),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      m.initial,
		CreatedAt:   time.Now().UTC(),
	}
	m.runs[run.ID] = run
	if run.Status == core.RunStatusCompleted && len(m.steps) == 0 {
		m.addAssistantLocked(threadID, run.ID, m.echoLocked(threadID))
	}
	return *run, nil
}

// echoLocked mirrors the last user text the way the canned model responses do.
func (m *MockProvider) echoLocked(threadID string) string {
	msgs := m.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			return "Mock response to: " + msgs[i].Content
		}
	}
	return "Mock response"
}

// GetRun implements Provider. Each call consumes one scripted step; once the
// script is exhausted the last observation is repeated.
func (m *MockProvider) GetRun(_ context.Context, _, runID string) (core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getRuns++
	run, ok := m.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	if len(m.steps) == 0 {
		return *run, nil
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	if step.Err != nil {
		return core.Run{}, step.Err
	}
	run.Status = step.Status
	run.LastError = step.LastError
	run.RequiredAction = nil
	if step.Status == core.RunStatusRequiresAction {
		typ := step.ActionType
		if typ == "" {
			typ = core.RequiredActionSubmitToolOutputs
		}
		run.RequiredAction = &core.RequiredAction{Type: typ, ToolCalls: step.ToolCalls}
	}
	if step.Reply != "" {
		m.addAssistantLocked(run.ThreadID, run.ID, step.Reply)
	}
	return *run, nil
}

// CancelRun implements Provider.
func (m *MockProvider) CancelRun(_ context.Context, _, runID string) (core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	if m.CancelErr != nil {
		return core.Run{}, m.CancelErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	run.Status = core.RunStatusCancelling
	return *run, nil
}

// SubmitToolOutputs implements Provider.
func (m *MockProvider) SubmitToolOutputs(_ context.Context, _, runID string, outputs []core.ToolOutput) (core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, append([]core.ToolOutput(nil), outputs...))
	if m.SubmitErr != nil {
		return core.Run{}, m.SubmitErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	run.Status = core.RunStatusInProgress
	run.RequiredAction = nil
	return *run, nil
}

// CreateRunStream implements Provider.
func (m *MockProvider) CreateRunStream(_ context.Context, threadID, assistantID string) (Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRunErr != nil {
		return nil, m.CreateRunErr
	}
	if len(m.streams) == 0 {
		return m.echoFeedLocked(threadID, assistantID), nil
	}
	return m.nextFeedLocked(), nil
}

// echoFeedLocked streams an echo reply word by word when no feed is scripted.
func (m *MockProvider) echoFeedLocked(threadID, assistantID string) *SliceFeed {
	run := core.Run{ID: m.nextID("run"), ThreadID: threadID, AssistantID: assistantID, CreatedAt: time.Now().UTC()}
	reply := m.echoLocked(threadID)
	msg := core.Message{
		ID:        m.nextID("msg"),
		ThreadID:  threadID,
		RunID:     run.ID,
		Role:      core.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}

	events := make([]RawEvent, 0, 8)
	for _, st := range []core.RunStatus{core.RunStatusQueued, core.RunStatusInProgress} {
		run.Status = st
		events = append(events, RunEvent(run))
	}
	events = append(events, MessageEvent(EventThreadMessageCreated, msg))
	for i, word := range strings.SplitAfter(reply, " ") {
		if i == 0 || word != "" {
			events = append(events, MessageDeltaEvent(msg.ID, word))
		}
	}
	msg.Parts = []core.ContentPart{core.TextPart(reply)}
	msg.Content = reply
	events = append(events, MessageEvent(EventThreadMessageCompleted, msg))
	run.Status = core.RunStatusCompleted
	events = append(events, RunEvent(run), DoneEvent())

	m.messages[threadID] = append(m.messages[threadID], msg)
	stored := run
	m.runs[run.ID] = &stored

	feed := NewSliceFeed(events...)
	m.feeds = append(m.feeds, feed)
	return feed
}

// SubmitToolOutputsStream implements Provider.
func (m *MockProvider) SubmitToolOutputsStream(_ context.Context, _, _ string, outputs []core.ToolOutput) (Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, append([]core.ToolOutput(nil), outputs...))
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	return m.nextFeedLocked(), nil
}

func (m *MockProvider) nextFeedLocked() *SliceFeed {
	var events []RawEvent
	if len(m.streams) > 0 {
		events = m.streams[0]
		m.streams = m.streams[1:]
	}
	feed := NewSliceFeed(events...)
	m.feeds = append(m.feeds, feed)
	return feed
}

// ListMessages implements Provider.
func (m *MockProvider) ListMessages(_ context.Context, threadID, runID string) ([]core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []core.Message
	for _, msg := range m.messages[threadID] {
		if runID != "" && msg.RunID != runID && msg.Role == core.RoleAssistant {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ThreadsCreated returns how many threads were created.
func (m *MockProvider) ThreadsCreated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads
}

// GetRunCalls returns how many times GetRun was called.
func (m *MockProvider) GetRunCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRuns
}

// Submitted returns every tool output batch received, in order.
func (m *MockProvider) Submitted() [][]core.ToolOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]core.ToolOutput(nil), m.submitted...)
}

// Cancelled returns the ids of runs a cancel was requested for.
func (m *MockProvider) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Uploads returns the images uploaded so far.
func (m *MockProvider) Uploads() []core.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Image(nil), m.uploads...)
}

// Messages returns the messages of a thread.
func (m *MockProvider) Messages(threadID string) []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Message(nil), m.messages[threadID]...)
}

// Feeds returns every feed handed out, in order.
func (m *MockProvider) Feeds() []*SliceFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SliceFeed(nil), m.feeds...)
}
