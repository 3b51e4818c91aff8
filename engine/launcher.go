package engine

import (
	"context"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

// RunLauncher starts runs. The user message must already be on the thread.
type RunLauncher struct {
	provider provider.Provider
	logger   logging.Logger
}

// NewRunLauncher creates a launcher.
func NewRunLauncher(p provider.Provider, logger logging.Logger) *RunLauncher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RunLauncher{provider: p, logger: logger}
}

// Launch starts one run of assistantID on threadID. Provider rejections are
// returned as *core.RunLaunchError and are not retried.
func (l *RunLauncher) Launch(ctx context.Context, threadID, assistantID string) (core.Run, error) {
	start := time.Now()
	run, err := l.provider.CreateRun(ctx, threadID, assistantID)
	provider.LogCall(l.logger, l.provider.Name(), "create_run", start, err)
	if err != nil {
		return core.Run{}, &core.RunLaunchError{AssistantID: assistantID, Err: err}
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	l.logger.Info("engine.run.launched", "thread_id", threadID, "run_id", run.ID, "status", run.Status)
	return run, nil
}

// LaunchStream starts one run in streaming mode and returns its event feed.
func (l *RunLauncher) LaunchStream(ctx context.Context, threadID, assistantID string) (provider.Feed, error) {
	start := time.Now()
	feed, err := l.provider.CreateRunStream(ctx, threadID, assistantID)
	provider.LogCall(l.logger, l.provider.Name(), "create_run_stream", start, err)
	if err != nil {
		return nil, &core.RunLaunchError{AssistantID: assistantID, Err: err}
	}
	l.logger.Info("engine.run.stream_launched", "thread_id", threadID)
	return feed, nil
}
