package tool

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/assistantmesh/core"
)

// Names of the built-in tools.
const (
	SearchMessagesToolName = "search_messages"
	ThreadHistoryToolName  = "get_thread_history"
)

// EmptySearchMessage is returned when no stored message matches.
const EmptySearchMessage = "No messages found matching the given filters."

// MessageRecord is the tool-facing projection of a stored message.
type MessageRecord struct {
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt string    `json:"created_at"`
}

// SearchMessagesTool queries the conversation store with explicit filters and
// a bounded result size.
type SearchMessagesTool struct {
	searcher core.MessageSearcher
}

var _ Tool = (*SearchMessagesTool)(nil)

// NewSearchMessagesTool creates the search_messages tool.
func NewSearchMessagesTool(searcher core.MessageSearcher) *SearchMessagesTool {
	return &SearchMessagesTool{searcher: searcher}
}

// Name implements Tool.
func (t *SearchMessagesTool) Name() string { return SearchMessagesToolName }

// Description implements Tool.
func (t *SearchMessagesTool) Description() string {
	return "Search stored conversation messages. Filters map a field (id, thread_id, run_id, role, " +
		"content, assistant_ref, created_at) to a value for equality, or to an object with eq, gt, gte, " +
		"lt, lte or contains. Results are most recent first."
}

// Parameters implements Tool.
func (t *SearchMessagesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filters": map[string]any{
				"type":        "object",
				"description": "Field to value or field to operator object, e.g. {\"role\":\"user\",\"content\":{\"contains\":\"invoice\"}}",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum number of results (%d-%d, default %d)", core.MinSearchLimit, core.MaxSearchLimit, core.DefaultSearchLimit),
			},
		},
		"required": []string{"filters"},
	}
}

// Call implements Tool.
func (t *SearchMessagesTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	rawFilters, ok := args["filters"]
	if !ok || rawFilters == nil {
		rawFilters = map[string]any{}
	}
	filterMap, ok := rawFilters.(map[string]any)
	if !ok {
		return nil, NewToolError(t.Name(), fmt.Sprintf("filters must be an object, got %T", rawFilters), CodeValidation)
	}

	filters, err := core.ParseFilters(filterMap)
	if err != nil {
		return nil, NewToolError(t.Name(), err.Error(), CodeValidation)
	}

	limit, err := parseLimit(args["limit"], core.DefaultSearchLimit)
	if err != nil {
		return nil, NewToolError(t.Name(), err.Error(), CodeValidation)
	}

	return search(toolCtx, t.searcher, t.Name(), core.MessageQuery{Filters: filters, Limit: limit})
}

// ThreadHistoryTool returns the most recent messages of the thread the
// calling run belongs to.
type ThreadHistoryTool struct {
	searcher     core.MessageSearcher
	defaultLimit int
}

var _ Tool = (*ThreadHistoryTool)(nil)

// NewThreadHistoryTool creates the get_thread_history tool. defaultLimit
// applies when the assistant passes no limit.
func NewThreadHistoryTool(searcher core.MessageSearcher, defaultLimit int) *ThreadHistoryTool {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &ThreadHistoryTool{searcher: searcher, defaultLimit: core.ClampLimit(defaultLimit)}
}

// Name implements Tool.
func (t *ThreadHistoryTool) Name() string { return ThreadHistoryToolName }

// Description implements Tool.
func (t *ThreadHistoryTool) Description() string {
	return "Return the most recent stored messages of the current conversation thread."
}

// Parameters implements Tool.
func (t *ThreadHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":  map[string]any{"type": "string", "enum": []any{"user", "assistant"}},
			"limit": map[string]any{"type": "integer"},
		},
	}
}

// Call implements Tool.
func (t *ThreadHistoryTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	if toolCtx.ThreadID() == "" {
		return nil, NewToolError(t.Name(), "no thread in context", CodeExecution)
	}

	raw := map[string]any{core.FieldThreadID: toolCtx.ThreadID()}
	if role, ok := args["role"]; ok && role != nil {
		raw[core.FieldRole] = role
	}
	filters, err := core.ParseFilters(raw)
	if err != nil {
		return nil, NewToolError(t.Name(), err.Error(), CodeValidation)
	}

	limit, err := parseLimit(args["limit"], t.defaultLimit)
	if err != nil {
		return nil, NewToolError(t.Name(), err.Error(), CodeValidation)
	}

	return search(toolCtx, t.searcher, t.Name(), core.MessageQuery{Filters: filters, Limit: limit})
}

func search(toolCtx *core.ToolContext, searcher core.MessageSearcher, name string, q core.MessageQuery) (any, error) {
	if searcher == nil {
		return nil, errors.New("message store is not configured")
	}

	msgs, err := searcher.Search(toolCtx.Context(), q)
	if err != nil {
		return nil, fmt.Errorf("message search failed: %w", err)
	}

	toolCtx.LogDebug("tool.search.done", "tool", name, "filters", len(q.Filters), "limit", q.Limit, "results", len(msgs))

	if len(msgs) == 0 {
		return map[string]any{"message": EmptySearchMessage}, nil
	}
	if len(msgs) > q.Limit {
		msgs = msgs[:q.Limit]
	}

	records := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		records[i] = MessageRecord{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return records, nil
}

// parseLimit reads an optional integer limit. A missing limit yields def; a
// present one is clamped to the search bounds.
func parseLimit(v any, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return 0, fmt.Errorf("limit must be an integer, got %v", x)
		}
		// Out-of-range floats do not survive the int conversion.
		switch {
		case x > core.MaxSearchLimit:
			return core.MaxSearchLimit, nil
		case x < core.MinSearchLimit:
			return core.MinSearchLimit, nil
		}
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(max(min(x, core.MaxSearchLimit+1), core.MinSearchLimit-1))
	default:
		return 0, fmt.Errorf("limit must be an integer, got %T", v)
	}
	return core.ClampLimit(n), nil
}
