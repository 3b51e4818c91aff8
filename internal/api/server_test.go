package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/internal/testutil"
	"github.com/hupe1980/assistantmesh/provider"
)

type apiEnv struct {
	server   *Server
	engine   *engine.Engine
	provider *provider.MockProvider
	store    *conversation.InMemoryStore
}

func newAPIEnv(t *testing.T, p *provider.MockProvider, fns ...func(o *Options)) *apiEnv {
	t.Helper()
	store := conversation.NewInMemoryStore()
	eng := engine.New(func(o *engine.Options) {
		if p != nil {
			o.Provider = p
		}
		o.Catalog = assistant.NewCatalog(
			assistant.Assistant{ID: "a1", AssistantID: "asst_1", Name: "First"},
			assistant.Assistant{ID: "broken", Name: "Broken"},
		)
		o.Store = store
		o.Clock = testutil.NewFakeClock()
		o.Polling.MaxAttempts = 3
	})
	all := append([]func(o *Options){func(o *Options) { o.Searcher = store }}, fns...)
	return &apiEnv{
		server:   NewServer(eng, all...),
		engine:   eng,
		provider: p,
		store:    store,
	}
}

func (env *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestChat(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "Mock response to: hello", body["reply"])
	threadID, _ := body["threadId"].(string)
	require.NotEmpty(t, threadID)

	rec = env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"again","threadId":"`+threadID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, threadID, decode(t, rec)["threadId"])
	assert.Equal(t, 1, env.provider.ThreadsCreated())
	assert.Equal(t, 4, env.store.Len())
}

func TestChat_Validation(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"missing assistant", `{"message":"hi"}`, http.StatusBadRequest, "assistantId is required"},
		{"assistant not a string", `{"assistantId":7,"message":"hi"}`, http.StatusBadRequest, "assistantId is required"},
		{"no content", `{"assistantId":"a1","message":"  "}`, http.StatusBadRequest, "Valid text or image is required"},
		{"image without data url", `{"assistantId":"a1","imageBase64":"aGVsbG8="}`, http.StatusBadRequest, "Valid text or image is required"},
		{"thread id not a string", `{"assistantId":"a1","message":"hi","threadId":42}`, http.StatusBadRequest, "Invalid threadId"},
		{"bad json", `{"assistantId":`, http.StatusBadRequest, "Invalid JSON body"},
		{"unknown assistant", `{"assistantId":"nope","message":"hi"}`, http.StatusNotFound, "Assistant not found"},
		{"missing provider id", `{"assistantId":"broken","message":"hi"}`, http.StatusInternalServerError, "Invalid configuration (broken): missing assistant_id."},
		{"broken image", `{"assistantId":"a1","imageBase64":"data:image/png;base64,***"}`, http.StatusInternalServerError, "Error processing attached image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, decode(t, rec)["error"])
		})
	}
	assert.Zero(t, env.provider.ThreadsCreated())
}

func TestChat_ImageOnly(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","imageBase64":"data:image/png;base64,iVBORw0KGgo="}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	uploads := env.provider.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "image/png", uploads[0].MIMEType)
	assert.Equal(t, "image.png", uploads[0].Filename)
}

func TestChat_RunFailures(t *testing.T) {
	t.Run("failed run", func(t *testing.T) {
		p := provider.NewMockProvider().ScriptRun(core.RunStatusQueued, provider.MockStep{
			Status:    core.RunStatusFailed,
			LastError: &core.RunError{Code: "rate_limit_exceeded", Message: "Rate limit reached"},
		})
		env := newAPIEnv(t, p)

		rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Rate limit reached (Code: rate_limit_exceeded)", body["error"])
		assert.Equal(t, map[string]any{"code": "rate_limit_exceeded", "message": "Rate limit reached"}, body["details"])
		assert.NotEmpty(t, body["threadId"])
	})

	t.Run("timeout", func(t *testing.T) {
		env := newAPIEnv(t, provider.NewMockProvider().ScriptRun(core.RunStatusInProgress))

		rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi"}`)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		body := decode(t, rec)
		details, ok := body["details"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "in_progress", details["lastStatus"])
		assert.EqualValues(t, 3, details["attempts"])
		assert.NotEmpty(t, body["threadId"])
	})

	t.Run("launch failure", func(t *testing.T) {
		p := provider.NewMockProvider()
		p.CreateRunErr = assert.AnError
		env := newAPIEnv(t, p)

		rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Could not start processing with assistant", decode(t, rec)["error"])
	})

	t.Run("thread creation failure", func(t *testing.T) {
		p := provider.NewMockProvider()
		p.CreateThreadErr = assert.AnError
		env := newAPIEnv(t, p)

		rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Could not create conversation with assistant", body["error"])
		assert.NotContains(t, body, "threadId")
	})
}

func TestChat_ActiveRunConflict(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	_, release, err := env.engine.Guard().Acquire(context.Background(), "thread_busy")
	require.NoError(t, err)
	defer release()

	rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi","threadId":"thread_busy"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "thread_busy", decode(t, rec)["threadId"])
}

func TestChat_WithoutProvider(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Incomplete server configuration for assistants (API Key).", decode(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestChatStream(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodPost, "/api/chat/stream", `{"assistantId":"a1","message":"hi there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []map[string]any
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)

	var reply strings.Builder
	threadID := events[0]["threadId"]
	for _, ev := range events {
		assert.Equal(t, threadID, ev["threadId"])
		assert.Contains(t, ev, "data")
		if ev["type"] == string(core.EventMessageDelta) {
			reply.WriteString(ev["data"].(map[string]any)["delta"].(string))
		}
	}
	assert.Equal(t, "Mock response to: hi there", reply.String())
	assert.Equal(t, string(core.EventStreamEnded), events[len(events)-1]["type"])
	assert.Equal(t, string(core.EventRunCompleted), events[len(events)-2]["type"])

	assert.Eventually(t, func() bool { return env.store.Len() == 2 }, time.Second, 10*time.Millisecond)
}

func TestChatStream_ErrorsBeforeStart(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodPost, "/api/chat/stream", `{"assistantId":"nope","message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", strings.Split(rec.Header().Get("Content-Type"), ";")[0])
}

func TestCancelRun(t *testing.T) {
	p := provider.NewMockProvider().ScriptRun(core.RunStatusInProgress)
	env := newAPIEnv(t, p)

	run, err := p.CreateRun(context.Background(), "thread_1", "asst_1")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/threads/thread_1/runs/"+run.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, run.ID, body["runId"])
	assert.Equal(t, "cancelling", body["status"])

	rec = env.do(t, http.MethodPost, "/api/threads/thread_1/runs/run_missing/cancel", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListAssistants(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodGet, "/api/assistants", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0]["id"])
	assert.Equal(t, "broken", list[1]["id"])
	assert.NotContains(t, list[0], "assistant_id", "provider ids stay private")
}

func TestAnalyze(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider())

	rec := env.do(t, http.MethodPost, "/api/analyze", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "La consulta (query) es requerida", decode(t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/chat", `{"assistantId":"a1","message":"señal de stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/analyze", `{"query":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["matches"])
	assert.Contains(t, body["analysis"], `"stop"`)
	assert.Contains(t, body["analysis"], "1 del usuario, 1 del asistente")

	rec = env.do(t, http.MethodPost, "/api/analyze", `{"query":"nada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["matches"])
}

func TestRateLimit(t *testing.T) {
	env := newAPIEnv(t, provider.NewMockProvider(), func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})

	rec := env.do(t, http.MethodPost, "/api/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is not limited")
}
