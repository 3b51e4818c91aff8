package assistantmesh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

func upperTool() tool.Tool {
	return tool.NewFunctionTool("upper", "upper-case the input", map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		s, _ := args["text"].(string)
		return strings.ToUpper(s), nil
	})
}

func TestNew_Defaults(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	var cfgErr *core.ConfigError
	assert.ErrorAs(t, m.Engine().Ready(), &cfgErr)
	assert.NotNil(t, m.Store())

	_, err = m.Chat(context.Background(), engine.ChatRequest{AssistantID: "general-assistant", Message: "hi"})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_DuplicateTool(t *testing.T) {
	_, err := New(func(o *Options) {
		o.Tools = []tool.Tool{upperTool(), upperTool()}
	})
	assert.ErrorIs(t, err, tool.ErrDuplicateTool)

	_, err = New(func(o *Options) {
		o.Tools = []tool.Tool{tool.NewSearchMessagesTool(nil)}
	})
	assert.ErrorIs(t, err, tool.ErrDuplicateTool, "built-in tools are registered first")
}

func TestChat_PersistsBothSides(t *testing.T) {
	m, err := New(func(o *Options) { o.Provider = provider.NewMockProvider() })
	require.NoError(t, err)

	resp, err := m.Chat(context.Background(), engine.ChatRequest{AssistantID: "general-assistant", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hello", resp.Reply)

	msgs, err := m.Store().Search(context.Background(), core.MessageQuery{
		Filters: []core.Filter{{Field: core.FieldThreadID, Op: core.OpEq, Value: resp.ThreadID}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []core.Role{core.RoleUser, core.RoleAssistant}, []core.Role{msgs[0].Role, msgs[1].Role})
}

func TestChat_CustomToolEpisode(t *testing.T) {
	calls := []core.ToolCall{{ID: "call_1", Name: "upper", Arguments: `{"text":"abc"}`}}
	p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued,
		provider.MockStep{Status: core.RunStatusRequiresAction, ToolCalls: calls},
		provider.MockStep{Status: core.RunStatusCompleted, Reply: "done"},
	)

	m, err := New(func(o *Options) {
		o.Provider = p
		o.Tools = []tool.Tool{upperTool()}
		o.Polling = engine.PollingConfig{MaxAttempts: 5, Delay: time.Millisecond}
	})
	require.NoError(t, err)

	resp, err := m.Chat(context.Background(), engine.ChatRequest{AssistantID: "general-assistant", Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Reply)

	batches := p.Submitted()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "call_1", batches[0][0].ToolCallID)
	assert.Equal(t, "ABC", batches[0][0].Output)
}

func TestStreamSync(t *testing.T) {
	m, err := New(func(o *Options) { o.Provider = provider.NewMockProvider() })
	require.NoError(t, err)

	threadID, events, err := m.StreamSync(context.Background(), engine.ChatRequest{AssistantID: "general-assistant", Message: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, threadID)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, core.EventStreamEnded, last.Type)
	for _, ev := range events {
		assert.Equal(t, threadID, ev.ThreadID)
	}
}

func TestCallbacks_BeforeRunVeto(t *testing.T) {
	m, err := New(func(o *Options) { o.Provider = provider.NewMockProvider() })
	require.NoError(t, err)

	m.Callbacks().RegisterCallback(engine.NewFunctionCallback(engine.CallbackBeforeRun,
		func(context.Context, *engine.CallbackContext) error {
			return errors.New("outside business hours")
		}))

	_, err = m.Chat(context.Background(), engine.ChatRequest{AssistantID: "general-assistant", Message: "hi"})
	var reqErr *core.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "outside business hours", reqErr.Message)

	msgs, err := m.Store().Search(context.Background(), core.MessageQuery{
		Filters: []core.Filter{{Field: core.FieldRole, Op: core.OpEq, Value: string(core.RoleUser)}},
	})
	require.NoError(t, err)
	assert.Empty(t, msgs, "vetoed turns post nothing")
}
