package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/assistantmesh/core"
)

// RunGuard enforces one in-flight run per thread within this process. Each
// acquired slot carries a cancel function so an active run can be stopped
// by thread id.
type RunGuard struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunGuard creates an empty guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{active: make(map[string]context.CancelFunc)}
}

// Acquire reserves threadID and derives a cancellable context for the run.
// It fails with core.ErrRunActive while another run holds the thread. The
// returned release function frees the slot and cancels the context; it is
// safe to call more than once.
func (g *RunGuard) Acquire(ctx context.Context, threadID string) (context.Context, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[threadID]; busy {
		return nil, nil, core.ErrRunActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.active[threadID] = cancel

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			g.mu.Lock()
			delete(g.active, threadID)
			g.mu.Unlock()
		})
	}
	return runCtx, release, nil
}

// Active reports whether threadID currently holds a slot.
func (g *RunGuard) Active(threadID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[threadID]
	return ok
}

// Stop cancels the run holding threadID. It reports false when the thread
// has no active run.
func (g *RunGuard) Stop(threadID string) bool {
	g.mu.Lock()
	cancel, ok := g.active[threadID]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len returns the number of threads with an active run.
func (g *RunGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
