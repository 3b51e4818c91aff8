package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// MaxParallel bounds concurrently executing calls of one episode.
	// 0 or less means one goroutine per call.
	MaxParallel int
	// RepairArguments retries argument parsing on a repaired copy of
	// malformed JSON before giving up.
	RepairArguments bool
	// CallTimeout bounds a single tool call. Zero disables the limit.
	CallTimeout time.Duration
	Logger      logging.Logger
}

// Dispatcher resolves the tool calls of one requires_action episode.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	logger   logging.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{registry: registry, cfg: cfg, logger: logger}
}

// Registry returns the registry the dispatcher resolves names against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes calls and returns exactly one output per call, in call
// order. It never fails: unknown tools, bad arguments, tool errors and panics
// all become structured error payloads so the run is never left waiting.
func (d *Dispatcher) Dispatch(ctx context.Context, run core.Run, calls []core.ToolCall) []core.ToolOutput {
	n := len(calls)
	if n == 0 {
		return nil
	}

	outputs := make([]core.ToolOutput, n)
	start := time.Now()

	if n == 1 {
		outputs[0] = d.execute(ctx, run, calls[0])
	} else {
		maxPar := d.cfg.MaxParallel
		if maxPar <= 0 || maxPar > n {
			maxPar = n
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, maxPar)
		for i := range calls {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int, call core.ToolCall) {
				defer wg.Done()
				defer func() { <-sem }()
				outputs[idx] = d.execute(ctx, run, call)
			}(i, calls[i])
		}
		wg.Wait()
	}

	d.logger.Debug(
		"tool.dispatch.batch.complete",
		"thread_id", run.ThreadID,
		"run_id", run.ID,
		"count", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return outputs
}

func (d *Dispatcher) execute(ctx context.Context, run core.Run, call core.ToolCall) core.ToolOutput {
	start := time.Now()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
				d.logger.Error("tool.dispatch.panic", "tool", call.Name, "tool_call_id", call.ID, "recover", r)
			}
		}()
		result, err = d.call(ctx, run, call)
	}()

	if rl, ok := d.logger.(*logging.RunLogger); ok {
		rl.LogToolCall(call.Name, time.Since(start), err == nil, err)
	} else {
		d.logger.Info(
			"tool.dispatch.executed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err != nil,
		)
	}

	if err != nil {
		return core.ToolOutput{ToolCallID: call.ID, Output: errorPayload(call.Name, err)}
	}
	return core.ToolOutput{ToolCallID: call.ID, Output: encodeResult(call.Name, result)}
}

// call centralizes lookup, argument parsing and execution.
func (d *Dispatcher) call(ctx context.Context, run core.Run, call core.ToolCall) (any, error) {
	impl, ok := d.registry.Lookup(call.Name)
	if !ok {
		return nil, &unknownToolError{name: call.Name}
	}

	args, err := d.parseArguments(call.Arguments)
	if err != nil {
		return nil, NewToolError(call.Name, "invalid arguments: "+err.Error(), CodeInvalidArguments)
	}

	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	toolCtx := core.NewToolContext(ctx, run.ThreadID, run.ID, call.ID, d.logger)
	return impl.Call(toolCtx, args)
}

func (d *Dispatcher) parseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}

	err := json.Unmarshal([]byte(raw), &args)
	if err == nil {
		if args == nil {
			// JSON null
			args = map[string]any{}
		}
		return args, nil
	}
	if !d.cfg.RepairArguments {
		return nil, err
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, err
	}
	args = map[string]any{}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	d.logger.Debug("tool.dispatch.arguments_repaired", "original_length", len(raw), "repaired_length", len(repaired))
	return args, nil
}

type unknownToolError struct {
	name string
}

func (e *unknownToolError) Error() string { return "tool not implemented: " + e.name }

// panicError converts a recovered panic value into a ToolError, keeping the
// stack for logs.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

func errorPayload(toolName string, err error) string {
	var payload map[string]any

	var (
		unknown *unknownToolError
		toolErr *ToolError
		pErr    *panicErr
	)
	switch {
	case errors.As(err, &unknown):
		payload = map[string]any{"error": "tool not implemented", "tool": unknown.name}
	case errors.As(err, &toolErr):
		payload = map[string]any{"error": toolErr.Message, "code": toolErr.Code}
		if toolErr.Code == "" {
			payload["code"] = CodeExecution
		}
	case errors.As(err, &pErr):
		payload = map[string]any{"error": pErr.Error(), "code": CodePanic}
	default:
		payload = map[string]any{"error": err.Error(), "code": CodeExecution}
	}

	b, mErr := json.Marshal(payload)
	if mErr != nil {
		return fmt.Sprintf(`{"error":%q,"code":%q}`, toolName+": "+err.Error(), CodeEncoding)
	}
	return string(b)
}

// encodeResult renders a tool result as output text. Strings are passed
// through unchanged.
func encodeResult(toolName string, result any) string {
	switch v := result.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}

	b, err := json.Marshal(result)
	if err != nil {
		return errorPayload(toolName, NewToolError(toolName, "could not encode result: "+err.Error(), CodeEncoding))
	}
	return string(b)
}
