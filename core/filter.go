package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FilterOp is a comparison applied by a Filter.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
)

// Filterable message fields.
const (
	FieldID           = "id"
	FieldThreadID     = "thread_id"
	FieldRunID        = "run_id"
	FieldRole         = "role"
	FieldContent      = "content"
	FieldAssistantRef = "assistant_ref"
	FieldCreatedAt    = "created_at"
)

var stringFields = map[string]bool{
	FieldID:           true,
	FieldThreadID:     true,
	FieldRunID:        true,
	FieldRole:         true,
	FieldContent:      true,
	FieldAssistantRef: true,
}

// Filter is a single predicate over a message field. Value is a string for
// text fields and a time.Time for created_at.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// FilterError reports an unusable filter specification.
type FilterError struct {
	Field   string
	Message string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter on field '%s': %s", e.Field, e.Message)
}

// ParseFilters converts a {field: value} map into filters. A scalar value is
// an equality test; an object value may combine eq, gt, gte, lt, lte and
// contains. Filters are returned sorted by field for deterministic queries.
func ParseFilters(raw map[string]any) ([]Filter, error) {
	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var filters []Filter
	for _, field := range fields {
		if !stringFields[field] && field != FieldCreatedAt {
			return nil, &FilterError{Field: field, Message: "unsupported field"}
		}

		spec, isObject := raw[field].(map[string]any)
		if !isObject {
			f, err := newFilter(field, OpEq, raw[field])
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
			continue
		}

		if len(spec) == 0 {
			return nil, &FilterError{Field: field, Message: "empty operator object"}
		}

		ops := make([]string, 0, len(spec))
		for op := range spec {
			ops = append(ops, op)
		}
		sort.Strings(ops)

		for _, op := range ops {
			f, err := newFilter(field, FilterOp(op), spec[op])
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}

	return filters, nil
}

func newFilter(field string, op FilterOp, value any) (Filter, error) {
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
	case OpContains:
		if field == FieldCreatedAt {
			return Filter{}, &FilterError{Field: field, Message: "contains is not supported on timestamps"}
		}
	default:
		return Filter{}, &FilterError{Field: field, Message: fmt.Sprintf("unsupported operator %q", op)}
	}

	if value == nil {
		return Filter{}, &FilterError{Field: field, Message: "value is required"}
	}

	if field == FieldCreatedAt {
		ts, err := parseTimestamp(value)
		if err != nil {
			return Filter{}, &FilterError{Field: field, Message: err.Error()}
		}
		return Filter{Field: field, Op: op, Value: ts}, nil
	}

	switch v := value.(type) {
	case string:
		return Filter{Field: field, Op: op, Value: v}, nil
	case float64, int, int64, bool:
		return Filter{Field: field, Op: op, Value: fmt.Sprint(v)}, nil
	default:
		return Filter{}, &FilterError{Field: field, Message: fmt.Sprintf("unsupported value type %T", value)}
	}
}

func parseTimestamp(value any) (time.Time, error) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case time.Time:
		return v.UTC(), nil
	case string:
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected unix seconds or RFC 3339 timestamp, got %q", v)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

// Match reports whether msg satisfies the filter.
func (f Filter) Match(msg Message) bool {
	if f.Field == FieldCreatedAt {
		want, ok := f.Value.(time.Time)
		if !ok {
			return false
		}
		return compareOrdered(msg.CreatedAt.Unix(), want.Unix(), f.Op)
	}

	want, ok := f.Value.(string)
	if !ok {
		return false
	}

	got := messageField(msg, f.Field)
	if f.Op == OpContains {
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	}

	return compareOrdered(strings.Compare(got, want), 0, f.Op)
}

func messageField(msg Message, field string) string {
	switch field {
	case FieldID:
		return msg.ID
	case FieldThreadID:
		return msg.ThreadID
	case FieldRunID:
		return msg.RunID
	case FieldRole:
		return string(msg.Role)
	case FieldContent:
		return msg.Content
	case FieldAssistantRef:
		return msg.AssistantRef
	default:
		return ""
	}
}

func compareOrdered[T int | int64](got, want T, op FilterOp) bool {
	switch op {
	case OpEq:
		return got == want
	case OpGt:
		return got > want
	case OpGte:
		return got >= want
	case OpLt:
		return got < want
	case OpLte:
		return got <= want
	default:
		return false
	}
}
