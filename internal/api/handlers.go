package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/internal/util"
)

// chatBody is the request of both chat endpoints. Fields are decoded
// loosely so type mistakes get the same answers as missing values.
type chatBody struct {
	AssistantID any `json:"assistantId"`
	Message     any `json:"message"`
	ImageBase64 any `json:"imageBase64"`
	ThreadID    any `json:"threadId"`
	CallerRef   any `json:"callerRef"`
}

type chatReply struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"threadId"`
}

// chatRequest converts the body into an engine request. It returns a
// response-ready error for malformed input.
func chatRequest(c echo.Context) (engine.ChatRequest, *apiError) {
	var body chatBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return engine.ChatRequest{}, &apiError{status: http.StatusBadRequest, body: errorBody{Error: "Invalid JSON body"}}
	}

	req := engine.ChatRequest{
		AssistantID: asString(body.AssistantID),
		Message:     asString(body.Message),
		CallerRef:   asString(body.CallerRef),
	}

	switch v := body.ThreadID.(type) {
	case nil:
	case string:
		req.ThreadID = v
	default:
		return req, &apiError{status: http.StatusBadRequest, body: errorBody{Error: "Invalid threadId"}}
	}

	// Only data:image URLs count as attachments; anything else is ignored
	// and the request must then carry text.
	if raw := asString(body.ImageBase64); strings.HasPrefix(raw, "data:image") {
		img, err := util.DecodeImageDataURL(raw)
		if err != nil {
			return req, errorFor(&core.AttachmentError{Err: err}, "")
		}
		req.Image = &core.Image{Data: img.Data, MIMEType: img.MIMEType, Filename: img.Filename()}
	}

	return req, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func (s *Server) chat(c echo.Context) error {
	req, apiErr := chatRequest(c)
	if apiErr != nil {
		return apiErr.write(c)
	}

	resp, err := s.engine.Chat(c.Request().Context(), req)
	if err != nil {
		return errorFor(err, resp.ThreadID).write(c)
	}

	return c.JSON(http.StatusOK, chatReply{Reply: resp.Reply, ThreadID: resp.ThreadID})
}

// chatStream relays a streaming turn as server-sent events. Errors before
// the run starts are answered as JSON; afterwards they travel in the stream.
func (s *Server) chatStream(c echo.Context) error {
	req, apiErr := chatRequest(c)
	if apiErr != nil {
		return apiErr.write(c)
	}

	events, threadID, err := s.engine.Stream(c.Request().Context(), req)
	if err != nil {
		return errorFor(err, threadID).write(c)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	writable := true
	for ev := range events {
		if !writable {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			s.logger.Warn("api.stream.write_failed", "thread_id", threadID, "error", err)
			writable = false
		}
	}
	return nil
}

func writeSSE(w *echo.Response, ev core.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *Server) cancelRun(c echo.Context) error {
	threadID, runID := c.Param("threadId"), c.Param("runId")

	run, err := s.engine.Cancel(c.Request().Context(), threadID, runID)
	if err != nil {
		return errorFor(err, threadID).write(c)
	}

	return c.JSON(http.StatusOK, map[string]any{"runId": run.ID, "status": run.Status})
}

func (s *Server) listAssistants(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Catalog().List())
}

type analyzeBody struct {
	Query string `json:"query"`
}

// analyzeLimit bounds the messages inspected per analysis.
const analyzeLimit = 50

func (s *Server) analyze(c echo.Context) error {
	var body analyzeBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
	}
	query := strings.TrimSpace(body.Query)
	if query == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "La consulta (query) es requerida"})
	}

	if s.opts.Searcher == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"analysis": fmt.Sprintf("Análisis para la consulta: %q. No hay historial de conversaciones disponible.", query),
			"matches":  0,
		})
	}

	msgs, err := s.opts.Searcher.Search(c.Request().Context(), core.MessageQuery{
		Filters: []core.Filter{{Field: core.FieldContent, Op: core.OpContains, Value: query}},
		Limit:   analyzeLimit,
	})
	if err != nil {
		s.logger.Error("api.analyze.failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"analysis": summarize(query, msgs),
		"matches":  len(msgs),
	})
}

// summarize describes where a query shows up in the stored conversations.
func summarize(query string, msgs []core.Message) string {
	if len(msgs) == 0 {
		return fmt.Sprintf("Análisis para la consulta: %q. Ningún mensaje coincide.", query)
	}

	roles := map[core.Role]int{}
	threads := map[string]bool{}
	assistants := map[string]bool{}
	for _, m := range msgs {
		roles[m.Role]++
		threads[m.ThreadID] = true
		if m.AssistantRef != "" {
			assistants[m.AssistantRef] = true
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Análisis para la consulta: %q. %d mensajes coinciden en %d conversaciones", query, len(msgs), len(threads))
	fmt.Fprintf(&b, " (%d del usuario, %d del asistente)", roles[core.RoleUser], roles[core.RoleAssistant])
	if len(assistants) > 0 {
		fmt.Fprintf(&b, " con %d asistentes", len(assistants))
	}
	b.WriteString(".")
	if latest := msgs[0]; latest.Content != "" {
		fmt.Fprintf(&b, " Mensaje más reciente: %q.", truncate(latest.Content, 120))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
