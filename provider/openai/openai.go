// Package openai provides an implementation of provider.Provider using the
// OpenAI Assistants API: threads, messages, runs (polling and SSE streaming),
// tool output submission and vision file uploads. It adapts the SDK types
// into the engine's core records and back.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

const providerName = "openai"

// Options configure the OpenAI provider adapter. Zero values leave the SDK
// defaults (OPENAI_API_KEY, api.openai.com, two retries) in place.
type Options struct {
	APIKey         string
	BaseURL        string
	MaxRetries     int
	RequestTimeout time.Duration
	Logger         logging.Logger
}

// Provider wraps the OpenAI Assistants API behind provider.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates a provider using a new official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{MaxRetries: -1}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries >= 0 {
		clientOpts = append(clientOpts, option.WithMaxRetries(opts.MaxRetries))
	}
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}

	client := openai.NewClient(clientOpts...)
	return newProvider(&client, opts)
}

// NewProviderFromClient creates a provider from an existing client.
func NewProviderFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return newProvider(client, opts)
}

func newProvider(client *openai.Client, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Provider{client: client, opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return providerName }

// CreateThread implements provider.Provider.
func (p *Provider) CreateThread(ctx context.Context) (th core.Thread, err error) {
	defer p.observe("threads.create", time.Now(), &err)
	res, err := p.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return core.Thread{}, err
	}
	return core.Thread{ID: res.ID, CreatedAt: unixTime(res.CreatedAt)}, nil
}

// AddMessage implements provider.Provider.
func (p *Provider) AddMessage(ctx context.Context, threadID string, parts []core.ContentPart) (msg core.Message, err error) {
	defer p.observe("messages.create", time.Now(), &err)

	content := make([]openai.MessageContentPartParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case core.PartTypeText:
			content = append(content, openai.MessageContentPartParamOfText(part.Text))
		case core.PartTypeImageFile:
			content = append(content, openai.MessageContentPartParamOfImageFile(openai.ImageFileParam{FileID: part.FileID}))
		}
	}

	res, err := p.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfArrayOfContentParts: content},
	})
	if err != nil {
		return core.Message{}, err
	}
	return toCoreMessage(res), nil
}

// UploadImage implements provider.Provider. Images are uploaded with the
// vision purpose so they can be referenced from image_file parts.
func (p *Provider) UploadImage(ctx context.Context, img core.Image) (id string, err error) {
	defer p.observe("files.create", time.Now(), &err)
	res, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(img.Data), img.Filename, img.MIMEType),
		Purpose: openai.FilePurposeVision,
	})
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// CreateRun implements provider.Provider.
func (p *Provider) CreateRun(ctx context.Context, threadID, assistantID string) (run core.Run, err error) {
	defer p.observe("runs.create", time.Now(), &err)
	res, err := p.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{AssistantID: assistantID})
	if err != nil {
		return core.Run{}, err
	}
	return toCoreRun(res), nil
}

// GetRun implements provider.Provider.
func (p *Provider) GetRun(ctx context.Context, threadID, runID string) (run core.Run, err error) {
	defer p.observe("runs.retrieve", time.Now(), &err)
	res, err := p.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return core.Run{}, err
	}
	return toCoreRun(res), nil
}

// CancelRun implements provider.Provider.
func (p *Provider) CancelRun(ctx context.Context, threadID, runID string) (run core.Run, err error) {
	defer p.observe("runs.cancel", time.Now(), &err)
	res, err := p.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	if err != nil {
		return core.Run{}, err
	}
	return toCoreRun(res), nil
}

// SubmitToolOutputs implements provider.Provider.
func (p *Provider) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (run core.Run, err error) {
	defer p.observe("runs.submit_tool_outputs", time.Now(), &err)
	res, err := p.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, submitParams(outputs))
	if err != nil {
		return core.Run{}, err
	}
	return toCoreRun(res), nil
}

// CreateRunStream implements provider.Provider.
func (p *Provider) CreateRunStream(ctx context.Context, threadID, assistantID string) (provider.Feed, error) {
	p.opts.Logger.Debug("provider.stream.open", "provider", providerName, "thread_id", threadID)
	stream := p.client.Beta.Threads.Runs.NewStreaming(ctx, threadID, openai.BetaThreadRunNewParams{AssistantID: assistantID})
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return newFeed(stream), nil
}

// SubmitToolOutputsStream implements provider.Provider.
func (p *Provider) SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (provider.Feed, error) {
	stream := p.client.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, threadID, runID, submitParams(outputs))
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return newFeed(stream), nil
}

// ListMessages implements provider.Provider.
func (p *Provider) ListMessages(ctx context.Context, threadID, runID string) (msgs []core.Message, err error) {
	defer p.observe("messages.list", time.Now(), &err)
	params := openai.BetaThreadMessageListParams{Order: openai.BetaThreadMessageListParamsOrderAsc}
	if runID != "" {
		params.RunID = openai.String(runID)
	}
	iter := p.client.Beta.Threads.Messages.ListAutoPaging(ctx, threadID, params)
	for iter.Next() {
		m := iter.Current()
		msgs = append(msgs, toCoreMessage(&m))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *Provider) observe(op string, start time.Time, errp *error) {
	provider.LogCall(p.opts.Logger, providerName, op, start, *errp)
}

func submitParams(outputs []core.ToolOutput) openai.BetaThreadRunSubmitToolOutputsParams {
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.ToolCallID),
			Output:     openai.String(o.Output),
		})
	}
	return params
}

func toCoreRun(r *openai.Run) core.Run {
	run := core.Run{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		AssistantID: r.AssistantID,
		Status:      core.RunStatus(r.Status),
		CreatedAt:   unixTime(r.CreatedAt),
	}
	if r.LastError.Message != "" || r.LastError.Code != "" {
		run.LastError = &core.RunError{Code: r.LastError.Code, Message: r.LastError.Message}
	}
	if r.Status == openai.RunStatusRequiresAction {
		ra := &core.RequiredAction{Type: string(r.RequiredAction.Type)}
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			ra.ToolCalls = append(ra.ToolCalls, core.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		run.RequiredAction = ra
	}
	return run
}

func toCoreMessage(m *openai.Message) core.Message {
	msg := core.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		RunID:     m.RunID,
		Role:      core.Role(m.Role),
		CreatedAt: unixTime(m.CreatedAt),
	}
	for _, c := range m.Content {
		switch c.Type {
		case core.PartTypeText:
			msg.Parts = append(msg.Parts, core.TextPart(c.Text.Value))
		case core.PartTypeImageFile:
			msg.Parts = append(msg.Parts, core.ImageFilePart(c.ImageFile.FileID))
		}
	}
	msg.Content = core.JoinText(msg.Parts)
	return msg
}

func unixTime(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// feed adapts an SDK SSE stream to provider.Feed. Events are re-decoded from
// their raw JSON so a payload the engine cannot use is dropped on its own
// instead of failing the whole stream.
type feed struct {
	stream *ssestream.Stream[openai.AssistantStreamEventUnion]
}

func newFeed(stream *ssestream.Stream[openai.AssistantStreamEventUnion]) *feed {
	return &feed{stream: stream}
}

// Next implements provider.Feed.
func (f *feed) Next(ctx context.Context) (provider.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return provider.RawEvent{}, err
	}
	if !f.stream.Next() {
		if err := f.stream.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return provider.RawEvent{}, ctxErr
			}
			return provider.RawEvent{}, err
		}
		return provider.RawEvent{}, io.EOF
	}
	return decodeRaw(f.stream.Current()), nil
}

// Close implements provider.Feed.
func (f *feed) Close() error {
	return f.stream.Close()
}

func decodeRaw(ev openai.AssistantStreamEventUnion) provider.RawEvent {
	raw := ev.RawJSON()
	var out provider.RawEvent
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out.Type == "" {
		// Error events are delivered without the event envelope.
		if ev.Event != "" {
			return provider.RawEvent{Type: ev.Event}
		}
		return provider.RawEvent{Type: provider.EventError, Data: json.RawMessage(raw)}
	}
	return out
}
