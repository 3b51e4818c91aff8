package engine

import (
	"context"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	"github.com/hupe1980/assistantmesh/tool"
)

// Polling defaults.
const (
	DefaultMaxAttempts   = 45
	DefaultPollDelay     = 2 * time.Second
	DefaultCancelTimeout = 10 * time.Second
)

// PollingConfig tunes the polling driver.
type PollingConfig struct {
	// MaxAttempts bounds the status re-fetches of one run.
	MaxAttempts int
	// Delay is slept before every re-fetch.
	Delay time.Duration
	// CancelOnTimeout requests a best-effort cancel when the budget is
	// exhausted while the run is still queued or in progress.
	CancelOnTimeout bool
	// CancelTimeout bounds that cancel request.
	CancelTimeout time.Duration
}

// DefaultPollingConfig returns the defaults.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		MaxAttempts:     DefaultMaxAttempts,
		Delay:           DefaultPollDelay,
		CancelOnTimeout: true,
		CancelTimeout:   DefaultCancelTimeout,
	}
}

// PollingDriver observes a run by re-fetching its status until it is
// terminal, resolving requires_action episodes along the way.
type PollingDriver struct {
	provider provider.Provider
	tools    *toolResolver
	clock    Clock
	cfg      PollingConfig
	logger   logging.Logger
}

var _ CompletionDriver = (*PollingDriver)(nil)

// NewPollingDriver creates a polling driver. A nil clock uses RealClock.
func NewPollingDriver(
	p provider.Provider,
	dispatcher *tool.Dispatcher,
	callbacks *CallbackManager,
	clock Clock,
	cfg PollingConfig,
	logger logging.Logger,
) *PollingDriver {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	return &PollingDriver{
		provider: p,
		tools:    &toolResolver{dispatcher: dispatcher, callbacks: callbacks, logger: logger},
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Drive implements CompletionDriver.
//
// Pending states (queued, in_progress, cancelling and unknown values) are
// re-fetched after Delay, at most MaxAttempts times; exhausting the budget
// returns a *core.RunTimeoutError carrying the last observed status.
// Transport errors while re-fetching consume an attempt and keep the
// previous observation. A requires_action episode is dispatched and its
// outputs submitted as one batch; a failed submission is retried on the
// next observation of the same episode, a successful one is never repeated.
func (d *PollingDriver) Drive(ctx context.Context, turn *Turn) (core.Run, error) {
	run := turn.Run
	limiter := core.NewAttemptLimiter(d.cfg.MaxAttempts)
	submitted := make(map[string]bool)
	defer func() { turn.Attempts = limiter.Count() }()

	for {
		if run.Status.IsTerminal() {
			return run, nil
		}

		if run.Status == core.RunStatusRequiresAction {
			if err := d.handleAction(ctx, turn, run, submitted); err != nil {
				return run, err
			}
		}

		if err := limiter.Increment(); err != nil {
			d.logger.Warn("engine.poll.exhausted",
				"thread_id", run.ThreadID, "run_id", run.ID, "attempts", limiter.Count(), "status", run.Status)
			d.cancelAfterTimeout(ctx, run)
			return run, &core.RunTimeoutError{RunID: run.ID, LastStatus: run.Status, Attempts: limiter.Count()}
		}

		if err := d.clock.Sleep(ctx, d.cfg.Delay); err != nil {
			return run, err
		}

		start := time.Now()
		next, err := d.provider.GetRun(ctx, run.ThreadID, run.ID)
		provider.LogCall(d.logger, d.provider.Name(), "get_run", start, err)
		if err != nil {
			if ctx.Err() != nil {
				return run, ctx.Err()
			}
			d.logger.Warn("engine.poll.fetch_failed",
				"thread_id", run.ThreadID, "run_id", run.ID, "attempt", limiter.Count(), "error", err)
			continue
		}
		if next.ThreadID == "" {
			next.ThreadID = run.ThreadID
		}

		d.logger.Debug("engine.poll.attempt",
			"thread_id", run.ThreadID, "run_id", run.ID, "attempt", limiter.Count(), "status", next.Status)

		if next.Status != run.Status {
			cc := turn.callbackContext(&next)
			cc.PreviousStatus = run.Status
			notify(ctx, d.tools.callbacks, d.logger, CallbackOnStatusChange, cc)
		}
		run = next
	}
}

// handleAction resolves one requires_action observation. Unsupported action
// kinds are fatal; submission failures are not.
func (d *PollingDriver) handleAction(ctx context.Context, turn *Turn, run core.Run, submitted map[string]bool) error {
	var key string
	if run.RequiredAction != nil {
		key = episodeKey(run.RequiredAction.ToolCalls)
		if submitted[key] {
			d.logger.Debug("engine.poll.episode_pending", "run_id", run.ID)
			return nil
		}
	}

	outputs, err := d.tools.resolve(ctx, turn, run)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = d.provider.SubmitToolOutputs(ctx, run.ThreadID, run.ID, outputs)
	provider.LogCall(d.logger, d.provider.Name(), "submit_tool_outputs", start, err)
	if err != nil {
		d.logger.Warn("engine.poll.submit_failed", "thread_id", run.ThreadID, "run_id", run.ID, "error", err)
		return nil
	}
	submitted[key] = true
	return nil
}

// cancelAfterTimeout asks the provider to stop a run the caller gave up on.
// It is advisory: failures are logged and the run may still finish.
func (d *PollingDriver) cancelAfterTimeout(ctx context.Context, run core.Run) {
	if !d.cfg.CancelOnTimeout || !run.Status.Cancellable() {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CancelTimeout)
	defer cancel()

	start := time.Now()
	_, err := d.provider.CancelRun(cctx, run.ThreadID, run.ID)
	provider.LogCall(d.logger, d.provider.Name(), "cancel_run", start, err)
	if err != nil {
		d.logger.Warn("engine.poll.cancel_failed", "run_id", run.ID, "error", err)
	}
}
