// Package anthropic provides a provider.Provider on top of the Anthropic
// Messages API. Anthropic has no hosted threads or runs, so both are emulated
// in process: a thread is a message history, and a run is a goroutine that
// calls the Messages API until the model stops asking for tools. Runs report
// the same statuses and stream events as the OpenAI Assistants API.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/google/uuid"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

const providerName = "anthropic"

// Options configures the Anthropic provider (model, sampling, per assistant
// instructions and the tools offered to the model).
type Options struct {
	APIKey      string
	BaseURL     string
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
	// Instructions maps an assistant id to its system prompt.
	Instructions map[string]string
	Tools        []provider.ToolDefinition
	// RunTimeout bounds a run including time spent waiting for tool outputs.
	// Runs exceeding it end as expired.
	RunTimeout time.Duration
	// Retention is how long idle threads, uploaded images and finished runs
	// are kept. Expired entries are swept when a thread or run is created.
	Retention time.Duration
	Logger    logging.Logger
}

// Provider emulates assistants threads and runs over the Messages API.
type Provider struct {
	client *anthropic.Client
	opts   Options

	mu      sync.Mutex
	threads map[string]*thread
	runs    map[string]*runState
	files   map[string]file
	now     func() time.Time
}

var _ provider.Provider = (*Provider)(nil)

type thread struct {
	id       string
	messages []core.Message
	history  []anthropic.MessageParam
	touched  time.Time
}

type file struct {
	image    core.Image
	uploaded time.Time
}

// NewProvider creates a new provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
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

	client := anthropic.NewClient(clientOpts...)
	return newProvider(&client, opts)
}

// NewProviderFromClient creates a new provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newProvider(client, opts)
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_7SonnetLatest,
		MaxTokens:   4096,
		Temperature: 0.7,
		RunTimeout:  10 * time.Minute,
		Retention:   24 * time.Hour,
	}
}

func newProvider(client *anthropic.Client, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Provider{
		client:  client,
		opts:    opts,
		threads: make(map[string]*thread),
		runs:    make(map[string]*runState),
		files:   make(map[string]file),
		now:     time.Now,
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return providerName }

// CreateThread implements provider.Provider.
func (p *Provider) CreateThread(_ context.Context) (core.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	th := &thread{id: "thread_" + uuid.NewString(), touched: p.now()}
	p.threads[th.id] = th
	return core.Thread{ID: th.id, CreatedAt: th.touched.UTC()}, nil
}

// AddMessage implements provider.Provider.
func (p *Provider) AddMessage(_ context.Context, threadID string, parts []core.ContentPart) (core.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	th, err := p.threadLocked(threadID)
	if err != nil {
		return core.Message{}, err
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case core.PartTypeText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case core.PartTypeImageFile:
			f, ok := p.files[part.FileID]
			if !ok {
				return core.Message{}, fmt.Errorf("file %s not found", part.FileID)
			}
			img := f.image
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)))
		}
	}
	if len(blocks) == 0 {
		return core.Message{}, fmt.Errorf("message has no content")
	}

	msg := core.Message{
		ID:        "msg_" + uuid.NewString(),
		ThreadID:  threadID,
		Role:      core.RoleUser,
		Parts:     append([]core.ContentPart(nil), parts...),
		Content:   core.JoinText(parts),
		CreatedAt: time.Now().UTC(),
	}
	th.messages = append(th.messages, msg)
	th.history = append(th.history, anthropic.NewUserMessage(blocks...))
	return msg, nil
}

// UploadImage implements provider.Provider. Images are kept in memory and
// inlined as base64 blocks when referenced by a message.
func (p *Provider) UploadImage(_ context.Context, img core.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	id := "file_" + uuid.NewString()
	p.mu.Lock()
	p.files[id] = file{image: img, uploaded: p.now()}
	p.mu.Unlock()
	return id, nil
}

// ListMessages implements provider.Provider.
func (p *Provider) ListMessages(_ context.Context, threadID, runID string) ([]core.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	th, err := p.threadLocked(threadID)
	if err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(th.messages))
	for _, m := range th.messages {
		if runID != "" && m.RunID != runID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Provider) threadLocked(id string) (*thread, error) {
	th, ok := p.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	th.touched = p.now()
	return th, nil
}

// pruneLocked drops finished runs, idle threads and uploaded images older
// than the retention window. Threads with an active run are kept.
func (p *Provider) pruneLocked() {
	if p.opts.Retention <= 0 {
		return
	}
	cutoff := p.now().Add(-p.opts.Retention)

	busy := make(map[string]bool)
	for id, rs := range p.runs {
		if !rs.run.Status.IsTerminal() {
			busy[rs.run.ThreadID] = true
			continue
		}
		if rs.finishedAt.Before(cutoff) {
			delete(p.runs, id)
		}
	}
	for id, th := range p.threads {
		if !busy[id] && th.touched.Before(cutoff) {
			delete(p.threads, id)
		}
	}
	for id, f := range p.files {
		if f.uploaded.Before(cutoff) {
			delete(p.files, id)
		}
	}
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			schema.Required = requiredFields(tool.Parameters["required"])
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if out[i].OfTool != nil && tool.Description != "" {
			out[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
