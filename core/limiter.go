package core

import (
	"fmt"
	"sync"
)

// AttemptLimiter enforces a maximum number of provider re-fetches per run.
type AttemptLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewAttemptLimiter creates a limiter allowing max attempts.
// If max <= 0, unlimited attempts are allowed.
func NewAttemptLimiter(max int) *AttemptLimiter {
	if max < 0 {
		max = 0
	}
	return &AttemptLimiter{max: max}
}

// Increment consumes one attempt and returns an error once the budget is exceeded.
func (l *AttemptLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return fmt.Errorf("exceeded max attempts: %d", l.max)
	}

	l.count++

	return nil
}

// Count returns the number of attempts consumed.
func (l *AttemptLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many attempts are left, or -1 when unlimited.
func (l *AttemptLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1
	}

	return l.max - l.count
}
