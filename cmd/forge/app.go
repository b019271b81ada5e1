// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/jllopis/kairosforge/pkg/agent"
	"github.com/jllopis/kairosforge/pkg/config"
	"github.com/jllopis/kairosforge/pkg/llm"
	"github.com/jllopis/kairosforge/pkg/mcp"
	"github.com/jllopis/kairosforge/pkg/resilience"
	"github.com/jllopis/kairosforge/pkg/runtime"
	"github.com/jllopis/kairosforge/pkg/sandbox"
	"github.com/jllopis/kairosforge/pkg/service"
	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/store"
	"github.com/jllopis/kairosforge/pkg/telemetry"
	"github.com/jllopis/kairosforge/pkg/tools"
	"github.com/jllopis/kairosforge/providers/anthropic"
	"github.com/jllopis/kairosforge/providers/gemini"
	"github.com/jllopis/kairosforge/providers/openai"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Providers
	registry  *tools.Registry
	resolver  *agent.Resolver
	binder    *mcp.Binder
	sessions  session.Store
	service   *service.Service
	mcpServer *mcp.Server
	sweeper   *runtime.SessionSweeper

	closers []func(context.Context) error
}

// loadConfig reads the configuration named by the global flags.
func loadConfig(flags globalFlags) (*config.Config, error) {
	overrides, err := config.ParseOverrides(flags.Overrides)
	if err != nil {
		return nil, NewInvalidArgumentError("--set", err.Error())
	}
	cfg, err := config.LoadWithOverrides(flags.ConfigPath, overrides)
	if err != nil {
		return nil, NewConfigError(err, flags.ConfigPath)
	}
	return cfg, nil
}

// newApp wires every component from cfg. Logs go to logOut so the stdio
// MCP server can keep stdout for the protocol.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := telemetry.ConfigureSlog(logOut, cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Writer:         logOut,
	})
	switch {
	case stderrors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		return nil, NewStartupError(err, "telemetry")
	default:
		a.telemetry = providers
		a.closers = append(a.closers, providers.Shutdown)
	}

	descriptors, sessions, err := a.openStores(cfg.Store)
	if err != nil {
		a.Close(ctx)
		return nil, NewStartupError(err, "store")
	}
	a.sessions = sessions

	builder, err := newBuilder(cfg.Sandbox, logger)
	if err != nil {
		a.Close(ctx)
		return nil, NewStartupError(err, "sandbox")
	}
	a.binder = mcp.NewBinder(mcp.WithBinderLogger(logger))
	a.closers = append(a.closers, func(context.Context) error { return a.binder.Close() })

	a.registry = tools.NewRegistry(
		tools.WithBuilder(builder),
		tools.WithBuiltins(tools.DefaultBuiltins(tools.BuiltinConfig{
			SearchEndpoint: cfg.Builtins.SearchEndpoint,
			HTTPClient:     &http.Client{Timeout: cfg.Builtins.HTTPTimeout},
		})),
		tools.WithOpaqueBinder(mcp.Transport, a.binder),
		tools.WithLogger(logger),
	)

	factory := newProviderFactory(ctx, cfg.LLM)
	a.resolver = agent.NewResolver(a.registry,
		agent.WithSource(descriptors),
		agent.WithProviderFactory(factory.get),
		agent.WithDefaultModel(agent.ModelSettings{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}),
		agent.WithResolverLogger(logger),
	)

	retry := resilience.DefaultRetryConfig().WithMaxAttempts(cfg.LLM.RetryAttempts + 1)
	backend := runtime.NewLLMBackend(
		runtime.WithMaxToolRounds(cfg.Execution.MaxToolRounds),
		runtime.WithRetry(retry),
		runtime.WithBackendLogger(logger),
	)
	engine := runtime.NewEngine(backend, sessions,
		runtime.WithAppName(cfg.Execution.AppName),
		runtime.WithTimeout(cfg.Execution.Timeout),
		runtime.WithHistoryWindow(cfg.Execution.HistoryWindow),
		runtime.WithEngineLogger(logger),
	)
	executor := runtime.NewExecutor(engine, a.telemetry, logger)

	a.mcpServer = mcp.NewServer(a.registry, cfg.Telemetry.ServiceName, version, logger)
	opts := []service.Option{service.WithPublisher(a.mcpServer), service.WithLogger(logger)}
	if cfg.Execution.SessionLocks {
		opts = append(opts, service.WithSessionLocking())
	}
	a.service = service.New(descriptors, a.registry, a.resolver, executor, opts...)

	if err := a.service.Restore(ctx); err != nil {
		logger.Warn("forge.restore.partial", slog.String("error", err.Error()))
	}
	if dir := strings.TrimSpace(cfg.Seed.Dir); dir != "" {
		seed, err := store.LoadSeedDir(dir)
		if err != nil {
			a.Close(ctx)
			return nil, NewStartupError(err, "seed")
		}
		if err := a.service.Seed(ctx, seed); err != nil {
			logger.Warn("forge.seed.partial", slog.String("error", err.Error()))
		}
	}

	if expirer, ok := sessions.(session.Expirer); ok {
		a.sweeper = runtime.NewSessionSweeper(expirer,
			cfg.Session.SweepInterval, cfg.Session.Retention, cfg.Session.SweepTimeout, logger)
	}
	return a, nil
}

func (a *app) openStores(cfg config.StoreConfig) (store.Store, session.Store, error) {
	if cfg.Driver != "sqlite" {
		return store.NewMemoryStore(), session.NewMemoryStore(), nil
	}
	db, err := store.OpenSQLite(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	descriptors, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	return descriptors, sessions, nil
}

func newBuilder(cfg config.SandboxConfig, logger *slog.Logger) (*sandbox.Builder, error) {
	var libOpts []sandbox.LibraryOption
	if cfg.AllowNetwork {
		libOpts = append(libOpts, sandbox.WithNetwork(nil))
	}
	opts := []sandbox.Option{
		sandbox.WithLibrary(sandbox.NewLibrary(libOpts...)),
		sandbox.WithMaxSteps(cfg.MaxSteps),
		sandbox.WithCallTimeout(cfg.CallTimeout),
		sandbox.WithLogger(logger),
	}
	if root := strings.TrimSpace(cfg.FSRoot); root != "" {
		r, err := os.OpenRoot(root)
		if err != nil {
			return nil, fmt.Errorf("open sandbox.fs_root: %w", err)
		}
		opts = append(opts, sandbox.WithFileRoot(r))
	}
	return sandbox.NewBuilder(opts...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("forge.close.failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// providerFactory builds one model client per model name.
type providerFactory struct {
	ctx context.Context
	cfg config.LLMConfig

	mu    sync.Mutex
	cache map[string]llm.Provider
}

func newProviderFactory(ctx context.Context, cfg config.LLMConfig) *providerFactory {
	return &providerFactory{ctx: ctx, cfg: cfg, cache: make(map[string]llm.Provider)}
}

func (f *providerFactory) get(settings agent.ModelSettings) (llm.Provider, error) {
	model := settings.Model
	if model == "" {
		model = f.cfg.Model
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[model]; ok {
		return p, nil
	}
	p, err := createProvider(f.ctx, f.cfg, model)
	if err != nil {
		return nil, err
	}
	f.cache[model] = p
	return p, nil
}

func createProvider(ctx context.Context, cfg config.LLMConfig, model string) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return llm.NewOllama(baseURL, llm.WithOllamaModel(model)), nil
	case "openai":
		opts := []openai.Option{openai.WithModel(model), openai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(model), anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(int64(cfg.MaxTokens)))
		}
		return anthropic.New(opts...), nil
	case "gemini":
		return gemini.New(ctx, gemini.WithModel(model), gemini.WithAPIKey(cfg.APIKey))
	case "mock":
		return &llm.MockProvider{Response: "This is a mock response."}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
