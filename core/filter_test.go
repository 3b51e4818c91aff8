package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilters_Scalars(t *testing.T) {
	filters, err := ParseFilters(map[string]any{"role": "user", "thread_id": "thread_1"})
	require.NoError(t, err)
	require.Len(t, filters, 2)

	// sorted by field name
	assert.Equal(t, Filter{Field: FieldRole, Op: OpEq, Value: "user"}, filters[0])
	assert.Equal(t, Filter{Field: FieldThreadID, Op: OpEq, Value: "thread_1"}, filters[1])
}

func TestParseFilters_OperatorObjects(t *testing.T) {
	filters, err := ParseFilters(map[string]any{
		"created_at": map[string]any{"gte": float64(100), "lt": "1970-01-01T00:03:20Z"},
		"content":    map[string]any{"contains": "Hello"},
	})
	require.NoError(t, err)
	require.Len(t, filters, 3)

	assert.Equal(t, FieldContent, filters[0].Field)
	assert.Equal(t, OpContains, filters[0].Op)
	assert.Equal(t, OpGte, filters[1].Op)
	assert.Equal(t, time.Unix(100, 0).UTC(), filters[1].Value)
	assert.Equal(t, OpLt, filters[2].Op)
	assert.Equal(t, time.Unix(200, 0).UTC(), filters[2].Value)
}

func TestParseFilters_Errors(t *testing.T) {
	tests := map[string]map[string]any{
		"unknown field":         {"password": "x"},
		"unknown operator":      {"role": map[string]any{"like": "u%"}},
		"contains on timestamp": {"created_at": map[string]any{"contains": "2024"}},
		"bad timestamp":         {"created_at": "yesterday"},
		"nil value":             {"role": nil},
		"empty object":          {"role": map[string]any{}},
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFilters(raw)
			var fErr *FilterError
			assert.ErrorAs(t, err, &fErr)
		})
	}
}

func TestMessageQuery_Match(t *testing.T) {
	msg := Message{
		ID:        "msg_1",
		ThreadID:  "thread_1",
		Role:      RoleAssistant,
		Content:   "Hello World",
		CreatedAt: time.Unix(150, 0),
	}

	tests := []struct {
		name    string
		filters map[string]any
		want    bool
	}{
		{"equality", map[string]any{"role": "assistant"}, true},
		{"equality mismatch", map[string]any{"role": "user"}, false},
		{"contains case insensitive", map[string]any{"content": map[string]any{"contains": "world"}}, true},
		{"range inside", map[string]any{"created_at": map[string]any{"gte": 100, "lte": 150}}, true},
		{"range outside", map[string]any{"created_at": map[string]any{"gt": 150}}, false},
		{"combined", map[string]any{"role": "assistant", "thread_id": "thread_2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters, err := ParseFilters(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, MessageQuery{Filters: filters}.Match(msg))
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 42, ClampLimit(42))
	assert.Equal(t, 500, ClampLimit(600))

	assert.Equal(t, DefaultSearchLimit, MessageQuery{}.EffectiveLimit())
	assert.Equal(t, MaxSearchLimit, MessageQuery{Limit: 1000}.EffectiveLimit())
}
