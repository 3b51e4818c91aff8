// Package app wires a loaded configuration into a ready engine and API
// server.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/assistantmesh/assistant"
	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/conversation/bolt"
	"github.com/hupe1980/assistantmesh/conversation/postgres"
	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/internal/api"
	"github.com/hupe1980/assistantmesh/internal/config"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
	anthropicprovider "github.com/hupe1980/assistantmesh/provider/anthropic"
	openaiprovider "github.com/hupe1980/assistantmesh/provider/openai"
	"github.com/hupe1980/assistantmesh/tool"
)

// store is what every conversation backend offers.
type store interface {
	core.ConversationStore
	core.MessageSearcher
	core.ThreadIndex
}

// Options tune New.
type Options struct {
	// LogOutput receives log lines. Defaults to stderr.
	LogOutput io.Writer
	// Provider replaces the one selected by the configuration.
	Provider provider.Provider
	// Clock replaces the engine clock.
	Clock engine.Clock
}

// App holds the wired components.
type App struct {
	Config  *config.Config
	Logger  logging.Logger
	Catalog *assistant.Catalog
	Store   store
	Tools   *tool.Registry
	Engine  *engine.Engine

	closers []func()
}

// New builds the components described by cfg. A provider without
// credentials is left unset; the engine then answers every turn with a
// configuration error instead of refusing to start.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*App, error) {
	opts := Options{LogOutput: os.Stderr}
	for _, fn := range optFns {
		fn(&opts)
	}

	a := &App{
		Config: cfg,
		Logger: logging.New(logging.Config{
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
			Backend: cfg.Log.Backend,
			Output:  opts.LogOutput,
		}),
		Catalog: cfg.Catalog(),
	}

	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = s

	a.Tools, err = tool.NewRegistry(
		tool.NewSearchMessagesTool(s),
		tool.NewThreadHistoryTool(s, cfg.Tools.HistoryLimit),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	p := opts.Provider
	if p == nil {
		p, err = a.buildProvider()
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Engine = engine.New(func(o *engine.Options) {
		if p != nil {
			o.Provider = p
		}
		o.Catalog = a.Catalog
		o.Tools = a.Tools
		o.Dispatcher = tool.DispatcherConfig{
			MaxParallel:     cfg.Tools.MaxParallel,
			RepairArguments: cfg.Tools.RepairArguments,
			CallTimeout:     cfg.Tools.CallTimeout,
			Logger:          a.Logger,
		}
		o.Store = s
		o.ThreadIndex = s
		o.Polling = engine.PollingConfig{
			MaxAttempts:     cfg.Polling.MaxAttempts,
			Delay:           cfg.Polling.Delay,
			CancelOnTimeout: cfg.Polling.CancelOnTimeout,
			CancelTimeout:   cfg.Polling.CancelTimeout,
		}
		if opts.Clock != nil {
			o.Clock = opts.Clock
		}
		o.EventBufferSize = cfg.Stream.BufferSize
		o.Logger = a.Logger
	})

	return a, nil
}

func (a *App) openStore(ctx context.Context) (store, error) {
	switch a.Config.Store.Driver {
	case config.StoreBolt:
		s, err := bolt.Open(a.Config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, a.Config.Store.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.StoreMemory, "":
		return conversation.NewInMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
}

func (a *App) buildProvider() (provider.Provider, error) {
	cfg := a.Config
	if !cfg.HasCredentials() {
		a.Logger.Warn("app.provider.missing_credentials", "provider", cfg.Provider.Name)
		return nil, nil
	}

	switch cfg.Provider.Name {
	case config.ProviderOpenAI:
		return openaiprovider.NewProvider(func(o *openaiprovider.Options) {
			o.APIKey = cfg.OpenAI.APIKey
			o.BaseURL = cfg.OpenAI.BaseURL
			o.MaxRetries = cfg.OpenAI.MaxRetries
			o.RequestTimeout = cfg.OpenAI.RequestTimeout
			o.Logger = a.Logger
		}), nil
	case config.ProviderAnthropic:
		instructions, err := a.Catalog.Instructions(nil)
		if err != nil {
			return nil, err
		}
		return anthropicprovider.NewProvider(func(o *anthropicprovider.Options) {
			o.APIKey = cfg.Anthropic.APIKey
			o.BaseURL = cfg.Anthropic.BaseURL
			if cfg.Anthropic.Model != "" {
				o.Model = anthropic.Model(cfg.Anthropic.Model)
			}
			if cfg.Anthropic.MaxTokens > 0 {
				o.MaxTokens = cfg.Anthropic.MaxTokens
			}
			o.Temperature = cfg.Anthropic.Temperature
			o.Instructions = instructions
			o.Tools = a.Tools.Definitions()
			if cfg.Anthropic.RunTimeout > 0 {
				o.RunTimeout = cfg.Anthropic.RunTimeout
			}
			if cfg.Anthropic.Retention > 0 {
				o.Retention = cfg.Anthropic.Retention
			}
			o.Logger = a.Logger
		}), nil
	case config.ProviderMock:
		return provider.NewMockProvider(), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
}

// Server builds the HTTP API on top of the engine.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Engine, func(o *api.Options) {
		o.Port = a.Config.Server.Port
		o.RateLimit = a.Config.Server.RateLimit
		o.RateBurst = a.Config.Server.RateBurst
		o.Searcher = a.Store
		o.Logger = a.Logger
	})
}

// Close releases the store.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
