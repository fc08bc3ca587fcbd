package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/bus"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"github.com/mohammad-safakhou/newsdesk/internal/fetch"
	"github.com/mohammad-safakhou/newsdesk/internal/llm"
	"github.com/mohammad-safakhou/newsdesk/internal/prompts"
	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"go.uber.org/zap"
)

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	otel       *runtime.Telemetry
	tel        *telemetry.Telemetry
	categories config.Categories
	prompts    *prompts.Renderer
	builder    *llm.Builder
	fetcher    core.ArticleFetcher
	store      *store.Store
	streams    *runtime.Streams
}

type appOptions struct {
	service      string
	needStore    bool
	needStreams  bool
	serveMetrics bool
}

func bootstrap(ctx context.Context, cfgPath string, opts appOptions) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := runtime.NewLogger(cfg.General)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", opts.service))
	a := &app{cfg: cfg, logger: logger}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.otel, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "newsdesk-" + opts.service,
		ServiceVersion: version,
		ServeMetrics:   opts.serveMetrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.tel = telemetry.NewTelemetry(cfg.Telemetry, logger)

	if a.categories, err = config.LoadCategories(cfg.CategoriesFile); err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}
	if cfg.PromptsDir != "" {
		a.prompts, err = prompts.Load(cfg.PromptsDir)
	} else {
		a.prompts, err = prompts.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}

	registry, err := llm.NewRegistry(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	a.builder = llm.NewBuilder(registry, cfg.Agents, a.tel, logger)
	if cfg.Fetch.Enabled {
		a.fetcher = fetch.New(cfg.Fetch, nil)
	}

	a.store, err = runtime.OpenStore(ctx, cfg)
	switch {
	case errors.Is(err, runtime.ErrPostgresNotConfigured) && !opts.needStore:
		logger.Info("postgres not configured; runs will not be persisted")
	case err != nil:
		return nil, fmt.Errorf("store: %w", err)
	}

	if a.streams, err = runtime.InitStreams(ctx, cfg.Storage.Redis); err != nil {
		return nil, fmt.Errorf("streams: %w", err)
	}
	if a.streams == nil && opts.needStreams {
		return nil, errors.New("redis not configured (storage.redis.host)")
	}

	ok = true
	return a, nil
}

// runnerDeps assembles worker.Deps, leaving unset optional collaborators nil.
func (a *app) runnerDeps() worker.Deps {
	d := worker.Deps{
		Config:     a.cfg,
		Categories: a.categories,
		Builder:    a.builder,
		Prompts:    a.prompts,
		Telemetry:  a.tel,
		Tracer:     a.otel.Tracer(),
		Fetcher:    a.fetcher,
		Logger:     a.logger,
	}
	if a.store != nil {
		d.Store = a.store
	}
	if a.streams != nil {
		d.Publisher = a.streams.Publisher
	}
	return d
}

// pipelineRuntime builds a standalone pipeline runtime, used by discover.
func (a *app) pipelineRuntime() *core.Runtime {
	return &core.Runtime{
		Config:     a.cfg,
		Categories: a.categories,
		Bus:        bus.New(a.logger, bus.WithTimeout(a.cfg.Agents.MessageTimeout)),
		Builder:    a.builder,
		Prompts:    a.prompts,
		Logger:     a.logger,
		Tracer:     a.otel.Tracer(),
		Telemetry:  a.tel,
		Fetcher:    a.fetcher,
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.streams != nil {
		_ = a.streams.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.tel.Shutdown()
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}
