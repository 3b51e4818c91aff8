package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/assistantmesh/core"
)

// ErrMissingID is returned when inserting a message without an id.
var ErrMissingID = errors.New("message id is required")

// InMemoryStore is a process-local conversation store and thread index.
//
// Concurrency: protected by RWMutex.
// Search: linear scan over all messages, newest first. Suitable for tests and
// demos only; nothing survives a restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages []core.Message
	ids      map[string]struct{}
	threads  map[threadKey]core.Thread
}

var (
	_ core.ConversationStore = (*InMemoryStore)(nil)
	_ core.MessageSearcher   = (*InMemoryStore)(nil)
	_ core.ThreadIndex       = (*InMemoryStore)(nil)
)

type threadKey struct {
	assistantRef string
	callerRef    string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		ids:     make(map[string]struct{}),
		threads: make(map[threadKey]core.Thread),
	}
}

// Insert appends a copy of msg. Re-inserting a known id is a no-op.
func (s *InMemoryStore) Insert(_ context.Context, msg core.Message) error {
	if msg.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[msg.ID]; exists {
		return nil
	}
	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, cloneMessage(msg))
	return nil
}

// Search returns matching messages, most recent first, up to the query's
// effective limit.
func (s *InMemoryStore) Search(ctx context.Context, q core.MessageQuery) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]core.Message, 0)
	for _, m := range s.messages {
		if q.Match(m) {
			matched = append(matched, cloneMessage(m))
		}
	}
	s.mu.RUnlock()

	SortRecentFirst(matched)
	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of stored messages.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// LookupThread implements core.ThreadIndex.
func (s *InMemoryStore) LookupThread(_ context.Context, assistantRef, callerRef string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadKey{assistantRef, callerRef}]
	return th.ID, ok, nil
}

// RememberThread implements core.ThreadIndex. The latest thread for a pair wins.
func (s *InMemoryStore) RememberThread(_ context.Context, thread core.Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadKey{thread.AssistantRef, thread.CallerRef}] = thread
	return nil
}

// SortRecentFirst orders messages by creation time, newest first. Ties keep
// insertion order reversed so the later insert comes first.
func SortRecentFirst(msgs []core.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}

func cloneMessage(m core.Message) core.Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]core.ContentPart(nil), m.Parts...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]core.Attachment(nil), m.Attachments...)
	}
	return out
}
