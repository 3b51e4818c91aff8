package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

var errEmptyThreadID = errors.New("provider returned an empty thread id")

// ThreadManager issues and reuses conversation threads.
type ThreadManager struct {
	provider provider.Provider
	index    core.ThreadIndex
	logger   logging.Logger
}

// NewThreadManager creates a manager. index may be nil, in which case every
// request without a thread id gets a fresh thread.
func NewThreadManager(p provider.Provider, index core.ThreadIndex, logger logging.Logger) *ThreadManager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &ThreadManager{provider: p, index: index, logger: logger}
}

// Resolve returns the thread to run against. A supplied existingThreadID is
// trusted and returned unchanged without contacting the provider. Otherwise
// the thread recorded for (assistantRef, callerRef) is reused when an index
// is configured, and a new thread is created as a last step. Creation
// failures are returned as *core.ThreadCreationError.
func (m *ThreadManager) Resolve(ctx context.Context, assistantRef, existingThreadID, callerRef string) (string, error) {
	if existingThreadID != "" {
		m.logger.Debug("engine.thread.reused", "thread_id", existingThreadID)
		return existingThreadID, nil
	}

	if m.index != nil && callerRef != "" {
		id, ok, err := m.index.LookupThread(ctx, assistantRef, callerRef)
		switch {
		case err != nil:
			m.logger.Warn("engine.thread.lookup_failed", "assistant", assistantRef, "caller", callerRef, "error", err)
		case ok:
			m.logger.Debug("engine.thread.indexed", "thread_id", id, "assistant", assistantRef)
			return id, nil
		}
	}

	start := time.Now()
	thread, err := m.provider.CreateThread(ctx)
	provider.LogCall(m.logger, m.provider.Name(), "create_thread", start, err)
	if err != nil {
		return "", &core.ThreadCreationError{Err: err}
	}
	if thread.ID == "" {
		return "", &core.ThreadCreationError{Err: errEmptyThreadID}
	}
	m.logger.Info("engine.thread.created", "thread_id", thread.ID, "assistant", assistantRef)

	if m.index != nil && callerRef != "" {
		thread.AssistantRef = assistantRef
		thread.CallerRef = callerRef
		if thread.CreatedAt.IsZero() {
			thread.CreatedAt = time.Now().UTC()
		}
		if err := m.index.RememberThread(ctx, thread); err != nil {
			m.logger.Warn("engine.thread.remember_failed", "thread_id", thread.ID, "error", err)
		}
	}
	return thread.ID, nil
}
