package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/assistantmesh/core"
)

func TestInMemoryStore_InsertSearch(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		msg := core.Message{
			ID:        fmt.Sprintf("m%d", i),
			ThreadID:  "t1",
			Role:      role,
			Content:   fmt.Sprintf("content %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Insert(ctx, msg); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	// duplicate insert is ignored
	if err := store.Insert(ctx, core.Message{ID: "m0", Content: "dup"}); err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if store.Len() != 5 {
		t.Fatalf("expected 5 messages, got %d", store.Len())
	}

	res, err := store.Search(ctx, core.MessageQuery{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(res) != 5 || res[0].ID != "m4" || res[4].ID != "m0" {
		t.Fatalf("expected newest first, got %v", ids(res))
	}

	filters, err := core.ParseFilters(map[string]any{"role": "user"})
	if err != nil {
		t.Fatalf("parse filters: %v", err)
	}
	res, _ = store.Search(ctx, core.MessageQuery{Filters: filters, Limit: 2})
	if got := ids(res); fmt.Sprint(got) != "[m4 m2]" {
		t.Fatalf("unexpected filtered result: %v", got)
	}

	if err := store.Insert(ctx, core.Message{}); err != ErrMissingID {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestInMemoryStore_CopyIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	parts := []core.ContentPart{core.TextPart("hi")}
	_ = store.Insert(ctx, core.Message{ID: "m1", Parts: parts})
	parts[0].Text = "changed"

	res, _ := store.Search(ctx, core.MessageQuery{})
	if res[0].Parts[0].Text != "hi" {
		t.Fatalf("expected stored copy, got %q", res[0].Parts[0].Text)
	}
}

func TestInMemoryStore_ThreadIndex(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	if _, ok, _ := store.LookupThread(ctx, "a1", "c1"); ok {
		t.Fatal("expected no thread")
	}
	if err := store.RememberThread(ctx, core.Thread{ID: "thread_1", AssistantRef: "a1", CallerRef: "c1"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	id, ok, err := store.LookupThread(ctx, "a1", "c1")
	if err != nil || !ok || id != "thread_1" {
		t.Fatalf("unexpected lookup: %q %v %v", id, ok, err)
	}
	if _, ok, _ := store.LookupThread(ctx, "a2", "c1"); ok {
		t.Fatal("thread must be scoped to the assistant")
	}
}

func TestInMemoryStore_ConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Insert(ctx, core.Message{ID: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()
	if store.Len() != 50 {
		t.Fatalf("expected 50 messages, got %d", store.Len())
	}
}

func ids(msgs []core.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
