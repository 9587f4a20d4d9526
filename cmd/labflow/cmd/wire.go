package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trellis-data/labflow/internal/adapters/atoms"
	"github.com/trellis-data/labflow/internal/adapters/llm"
	"github.com/trellis-data/labflow/internal/adapters/mongo"
	"github.com/trellis-data/labflow/internal/adapters/postgres"
	"github.com/trellis-data/labflow/internal/adapters/redis"
	"github.com/trellis-data/labflow/internal/adapters/s3"
	"github.com/trellis-data/labflow/internal/adapters/state"
	"github.com/trellis-data/labflow/internal/api"
	"github.com/trellis-data/labflow/internal/config"
	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/metrics"
	"github.com/trellis-data/labflow/internal/service"
	"github.com/trellis-data/labflow/internal/service/alias"
	"github.com/trellis-data/labflow/internal/service/scope"
	"github.com/trellis-data/labflow/internal/service/workflow"
)

// app holds the wired orchestrator and the resources to release on exit.
type app struct {
	server   *api.Server
	runner   *workflow.Runner
	resolver *scope.Resolver
	state    core.StateStore
	bus      *events.EventBus
	logger   *logging.Logger

	closers []func(context.Context) error
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func budget(b config.RetryBudget) service.Budget {
	return service.Budget{
		Attempts: b.Attempts,
		Delay:    b.DelayDuration(),
		Timeout:  b.TimeoutDuration(),
	}
}

// buildApp connects every configured backend and wires the runner and the
// server. On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	var observer workflow.Observer
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		observer = collector
	}

	a.state, err = state.NewStore(cfg.State.Backend, cfg.State.Path, state.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	a.onClose(func(context.Context) error { return state.CloseStore(a.state) })
	logger.Info("state store ready", "backend", cfg.State.Backend, "path", cfg.State.Path)

	aliasStore, err := openAliasStore(ctx, a, cfg.Aliases)
	if err != nil {
		return nil, err
	}
	contextStore, err := openContextStore(ctx, a, cfg.Contexts)
	if err != nil {
		return nil, err
	}
	files, err := openFileLister(ctx, cfg.Files, logger)
	if err != nil {
		return nil, err
	}

	var memory *mongo.MemoryStore
	if cfg.Memory.Enabled {
		memory, err = mongo.Open(ctx, mongo.Config{
			URI:        cfg.Memory.URI,
			Database:   cfg.Memory.Database,
			Collection: cfg.Memory.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("opening laboratory memory: %w", err)
		}
		a.onClose(memory.Close)
		logger.Info("laboratory memory ready", "database", cfg.Memory.Database, "collection", cfg.Memory.Collection)
	}

	throttles := newThrottles(cfg.Limits)
	if collector != nil {
		collector.WatchThrottles(throttles)
	}
	gen, err := newGenerator(cfg.LLM, throttles, logger)
	if err != nil {
		return nil, err
	}
	prompts, err := service.NewPromptRenderer()
	if err != nil {
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}

	atomClient, err := atoms.NewClient(atoms.Config{
		BaseURL: cfg.Atoms.BaseURL,
		Timeout: config.Duration(cfg.Atoms.Timeout, 120*time.Second),
	}, atoms.WithLogger(logger), atoms.WithThrottle(throttles.Get(service.LimiterAtoms)))
	if err != nil {
		return nil, err
	}

	registry := alias.NewRegistry(aliasStore, logger)
	a.resolver = scope.NewResolver(contextStore, files,
		scope.WithDefault(cfg.Context.Default()),
		scope.WithLogger(logger),
	)

	runnerDeps := workflow.RunnerDeps{
		Config: workflow.RunnerConfig{
			MaxRetriesPerStep: cfg.ReAct.MaxRetriesPerStep,
			ServiceVersion:    appVersion,
		},
		Planner: workflow.NewPlanner(gen, prompts, workflow.PlannerConfig{
			Budget:      budget(cfg.Retry.Planning),
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logger, observer),
		Evaluator: workflow.NewEvaluator(gen, prompts, workflow.EvaluatorConfig{
			Budget:      budget(cfg.Retry.Evaluation),
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logger, observer),
		Dispatcher: workflow.NewDispatcher(atomClient, registry, budget(cfg.Retry.Dispatch), logger, observer),
		Aliases:    registry,
		Resolver:   a.resolver,
		State:      a.state,
		Logger:     logger,
		Observer:   observer,
	}
	if memory != nil {
		runnerDeps.Memory = memory
	}
	a.runner, err = workflow.NewRunner(runnerDeps)
	if err != nil {
		return nil, err
	}

	a.bus = events.New(256)
	a.onClose(func(context.Context) error { a.bus.Close(); return nil })

	opts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithEventBus(a.bus),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithPingInterval(config.Duration(cfg.Server.PingInterval, 30*time.Second)),
	}
	if collector != nil {
		opts = append(opts, api.WithMetrics(collector), api.WithMetricsPath(cfg.Metrics.Path))
	}
	if memory != nil {
		opts = append(opts, api.WithMemory(memory))
	}
	if outputs, ok := a.state.(api.OutputReader); ok {
		opts = append(opts, api.WithOutputs(outputs))
	}
	a.server = api.NewServer(a.runner, a.state, registry, a.resolver, opts...)
	return a, nil
}

func openAliasStore(ctx context.Context, a *app, cfg config.AliasesConfig) (core.AliasStore, error) {
	switch cfg.Backend {
	case "redis":
		store, err := redis.Dial(ctx, cfg.RedisURL,
			redis.WithKeyPrefix(cfg.KeyPrefix),
			redis.WithTTL(config.Duration(cfg.TTL, 0)),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting alias store: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.logger.Info("alias store ready", "backend", "redis")
		return store, nil
	default:
		return alias.NewMemoryStore(), nil
	}
}

func openContextStore(ctx context.Context, a *app, cfg config.ContextsConfig) (core.ContextStore, error) {
	switch cfg.Backend {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting context store: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.logger.Info("context store ready", "backend", "postgres")
		return store, nil
	default:
		return scope.NewMemoryStore(), nil
	}
}

// openFileLister returns nil when no inventory backend is configured; the
// resolver then relies on the files each message lists.
func openFileLister(ctx context.Context, cfg config.FilesConfig, logger *logging.Logger) (core.FileLister, error) {
	if cfg.Backend != "s3" {
		return nil, nil
	}
	client, err := s3.NewClient(ctx, s3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring s3: %w", err)
	}
	logger.Info("file inventory ready", "backend", "s3", "bucket", cfg.Bucket)
	return s3.NewLister(client, cfg.Bucket,
		s3.WithConcurrency(cfg.Concurrency),
		s3.WithLogger(logger),
	), nil
}

func newThrottles(limits map[string]config.LimitConfig) *service.Throttles {
	overrides := make(map[string]service.ThrottleConfig, len(limits))
	for name, l := range limits {
		overrides[name] = service.ThrottleConfig{RatePerSecond: l.RatePerSecond, Burst: l.Burst}
	}
	return service.NewThrottles(overrides)
}

// newGenerator returns nil when no model is configured, which selects the
// heuristic planner and evaluator.
func newGenerator(cfg config.LLMConfig, throttles *service.Throttles, logger *logging.Logger) (core.JSONGenerator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := llm.NewClient(llm.Config{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		JSONMode: true,
		Timeout:  config.Duration(cfg.Timeout, 90*time.Second),
	},
		llm.WithLogger(logger),
		llm.WithThrottle(throttles.Get(service.LimiterLLM)),
	)
	if err != nil {
		return nil, fmt.Errorf("configuring model client: %w", err)
	}
	logger.Info("model client ready", "model", cfg.Model)
	return client, nil
}
