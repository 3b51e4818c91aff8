package core

import "context"

// ConversationStore is the durable, append-only message log. The engine only
// ever inserts; failures are observed and logged but never propagated to the
// caller.
type ConversationStore interface {
	Insert(ctx context.Context, msg Message) error
}

// MessageSearcher answers bounded, filtered queries over stored messages.
// Results are ordered most recent first.
type MessageSearcher interface {
	Search(ctx context.Context, q MessageQuery) ([]Message, error)
}

// ThreadIndex remembers which thread belongs to an (assistant, caller) pair.
type ThreadIndex interface {
	LookupThread(ctx context.Context, assistantRef, callerRef string) (string, bool, error)
	RememberThread(ctx context.Context, thread Thread) error
}

// MessageQuery is a filtered, size capped search request.
type MessageQuery struct {
	Filters []Filter
	Limit   int
}

// Match reports whether msg satisfies every filter of the query.
func (q MessageQuery) Match(msg Message) bool {
	for _, f := range q.Filters {
		if !f.Match(msg) {
			return false
		}
	}
	return true
}

// Search limits.
const (
	DefaultSearchLimit = 100
	MinSearchLimit     = 1
	MaxSearchLimit     = 500
)

// ClampLimit bounds a requested result size to [MinSearchLimit, MaxSearchLimit].
func ClampLimit(n int) int {
	switch {
	case n < MinSearchLimit:
		return MinSearchLimit
	case n > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return n
	}
}

// EffectiveLimit returns the limit stores should apply: DefaultSearchLimit
// when unset, otherwise the clamped value.
func (q MessageQuery) EffectiveLimit() int {
	if q.Limit == 0 {
		return DefaultSearchLimit
	}
	return ClampLimit(q.Limit)
}
