package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEvent_WireForm(t *testing.T) {
	ev := NewStreamEvent(EventMessageDelta, "thread_1", "run_1", map[string]any{"messageId": "msg_1", "text": "He"})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message.delta","data":{"messageId":"msg_1","text":"He"},"threadId":"thread_1"}`, string(raw))
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewErrorEvent("thread_1", "", "boom", nil)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, map[string]any{"error": "boom"}, ev.Data)

	ev = NewErrorEvent("thread_1", "", "boom", map[string]any{"code": "x"})
	assert.Equal(t, map[string]any{"code": "x"}, ev.Data.(map[string]any)["details"])
}

func TestErrors_Matching(t *testing.T) {
	err := error(&ThreadCreationError{Err: errors.New("unavailable")})
	assert.ErrorIs(t, err, ErrThreadCreationFailed)

	assert.ErrorIs(t, &ConfigError{Reason: "missing api key"}, ErrNotConfigured)

	failed := &RunFailedError{Status: RunStatusFailed, LastError: &RunError{Message: "rate_limited"}}
	assert.Equal(t, "rate_limited", failed.Error())

	failed = &RunFailedError{Status: RunStatusExpired}
	assert.Equal(t, "assistant run failed or incomplete (expired)", failed.Error())
}

func TestMessage_FirstText(t *testing.T) {
	msg := Message{Parts: []ContentPart{ImageFilePart("file_1"), TextPart(""), TextPart("hi"), TextPart("there")}}
	text, ok := msg.FirstText()
	assert.True(t, ok)
	assert.Equal(t, "hi", text)
	assert.Equal(t, "hi\nthere", JoinText(msg.Parts))

	_, ok = Message{Parts: []ContentPart{ImageFilePart("file_1")}}.FirstText()
	assert.False(t, ok)
}
