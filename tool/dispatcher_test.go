package tool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/core"
)

type mockTool struct {
	mock.Mock
	name string
}

func (m *mockTool) Name() string               { return m.name }
func (m *mockTool) Description() string        { return "mock tool" }
func (m *mockTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (m *mockTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	ret := m.Called(tc.ToolCallID(), args)
	return ret.Get(0), ret.Error(1)
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, tools ...Tool) *Dispatcher {
	t.Helper()
	r, err := NewRegistry(tools...)
	require.NoError(t, err)
	return NewDispatcher(r, cfg)
}

var testRun = core.Run{ID: "run_1", ThreadID: "thread_1", Status: core.RunStatusRequiresAction}

func TestDispatcher_OneOutputPerCallInOrder(t *testing.T) {
	echo := NewFunctionTool("echo", "Echo", map[string]any{"type": "object"}, func(tc *core.ToolContext, args map[string]any) (any, error) {
		if d, ok := args["sleep_ms"].(float64); ok {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		return map[string]any{"call": tc.ToolCallID()}, nil
	})
	d := newTestDispatcher(t, DispatcherConfig{MaxParallel: 2}, echo)

	calls := []core.ToolCall{
		{ID: "c1", Name: "echo", Arguments: `{"sleep_ms":20}`},
		{ID: "c2", Name: "unknown", Arguments: `{}`},
		{ID: "c3", Name: "echo", Arguments: `{not json`},
		{ID: "c4", Name: "echo", Arguments: ``},
	}

	outputs := d.Dispatch(context.Background(), testRun, calls)
	require.Len(t, outputs, len(calls))
	for i, out := range outputs {
		assert.Equal(t, calls[i].ID, out.ToolCallID)
	}

	assert.JSONEq(t, `{"call":"c1"}`, outputs[0].Output)
	assert.JSONEq(t, `{"error":"tool not implemented","tool":"unknown"}`, outputs[1].Output)
	assert.Equal(t, CodeInvalidArguments, decodeOutput(t, outputs[2].Output)["code"])
	assert.JSONEq(t, `{"call":"c4"}`, outputs[3].Output)
}

func TestDispatcher_ErrorPayloads(t *testing.T) {
	m := &mockTool{name: "flaky"}
	m.On("Call", "boom", mock.Anything).Return(nil, fmt.Errorf("db down"))
	m.On("Call", "custom", mock.Anything).Return(nil, NewToolError("flaky", "bad filter", CodeValidation))
	m.On("Call", "text", mock.Anything).Return("plain text", nil)
	m.On("Call", "chan", mock.Anything).Return(make(chan int), nil)

	strict := NewFunctionTool("strict", "Strict", sumParams(), func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return 0, nil
	})
	panicky := NewFunctionTool("panicky", "Panics", map[string]any{"type": "object"}, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		panic("kaboom")
	})

	d := newTestDispatcher(t, DispatcherConfig{}, m, strict, panicky)

	outputs := d.Dispatch(context.Background(), testRun, []core.ToolCall{
		{ID: "boom", Name: "flaky", Arguments: `{}`},
		{ID: "custom", Name: "flaky", Arguments: `{}`},
		{ID: "text", Name: "flaky", Arguments: `{}`},
		{ID: "chan", Name: "flaky", Arguments: `{}`},
		{ID: "v", Name: "strict", Arguments: `{"a":1}`},
		{ID: "p", Name: "panicky", Arguments: `{}`},
	})
	require.Len(t, outputs, 6)

	assert.Equal(t, map[string]any{"error": "db down", "code": CodeExecution}, decodeOutput(t, outputs[0].Output))
	assert.Equal(t, map[string]any{"error": "bad filter", "code": CodeValidation}, decodeOutput(t, outputs[1].Output))
	assert.Equal(t, "plain text", outputs[2].Output)
	assert.Equal(t, CodeEncoding, decodeOutput(t, outputs[3].Output)["code"])
	assert.Equal(t, CodeValidation, decodeOutput(t, outputs[4].Output)["code"])

	panicOut := decodeOutput(t, outputs[5].Output)
	assert.Equal(t, CodePanic, panicOut["code"])
	assert.Contains(t, panicOut["error"], "kaboom")

	m.AssertExpectations(t)
}

func TestDispatcher_RepairArguments(t *testing.T) {
	var got map[string]any
	capture := NewFunctionTool("capture", "Capture", map[string]any{"type": "object"}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		got = args
		return "ok", nil
	})

	calls := []core.ToolCall{{ID: "c1", Name: "capture", Arguments: `{"limit": 5,}`}}

	plain := newTestDispatcher(t, DispatcherConfig{}, capture)
	out := plain.Dispatch(context.Background(), testRun, calls)
	assert.Equal(t, CodeInvalidArguments, decodeOutput(t, out[0].Output)["code"])

	repairing := newTestDispatcher(t, DispatcherConfig{RepairArguments: true}, capture)
	out = repairing.Dispatch(context.Background(), testRun, calls)
	assert.Equal(t, "ok", out[0].Output)
	assert.Equal(t, map[string]any{"limit": 5.0}, got)
}

func TestDispatcher_MaxParallel(t *testing.T) {
	var running, peak int32
	slow := NewFunctionTool("slow", "Slow", map[string]any{"type": "object"}, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "done", nil
	})

	d := newTestDispatcher(t, DispatcherConfig{MaxParallel: 2}, slow)
	calls := make([]core.ToolCall, 6)
	for i := range calls {
		calls[i] = core.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "slow"}
	}

	outputs := d.Dispatch(context.Background(), testRun, calls)
	require.Len(t, outputs, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatcher_CallTimeout(t *testing.T) {
	waits := NewFunctionTool("waits", "Waits", map[string]any{"type": "object"}, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	})

	d := newTestDispatcher(t, DispatcherConfig{CallTimeout: 10 * time.Millisecond}, waits)
	out := d.Dispatch(context.Background(), testRun, []core.ToolCall{{ID: "c1", Name: "waits"}})
	require.Len(t, out, 1)
	assert.Equal(t, CodeExecution, decodeOutput(t, out[0].Output)["code"])
}

func TestDispatcher_Empty(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})
	assert.Empty(t, d.Dispatch(context.Background(), testRun, nil))
}
