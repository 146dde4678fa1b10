package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/internal/adapters/builtin"
	"github.com/openintentos/openintent/internal/agent"
	"github.com/openintentos/openintent/internal/agent/providers"
	"github.com/openintentos/openintent/internal/agent/routing"
	"github.com/openintentos/openintent/internal/bus"
	"github.com/openintentos/openintent/internal/compaction"
	"github.com/openintentos/openintent/internal/config"
	"github.com/openintentos/openintent/internal/identity"
	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/internal/plugins"
	"github.com/openintentos/openintent/internal/sessions"
)

// =============================================================================
// Runtime Wiring
// =============================================================================

// loadConfig resolves and loads the configuration named by --config,
// OPENINTENT_CONFIG or ./openintent.yaml, falling back to defaults.
func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, path, nil
}

// newLogger builds the redacting logger and installs it as the default.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logCfg := cfg.Logging
	logCfg.Output = w
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)
	return logger
}

// openStore opens the configured session store, or an in-memory one when
// ephemeral is set. SQL stores are migrated on open.
func openStore(ctx context.Context, cfg *config.Config, ephemeral bool, counter sessions.TokenCounter) (sessions.Store, error) {
	if ephemeral {
		return sessions.NewMemoryStore(sessions.WithTokenCounter(counter)), nil
	}
	store, err := sessions.OpenSQL(ctx, cfg.Database, sessions.WithTokenCounter(counter))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

type runtimeOptions struct {
	ephemeral bool
	// requireKey fails startup when the primary provider has no API key.
	requireKey bool
	// watchIdentity reloads the system prompt when the identity file changes.
	watchIdentity bool
	getenv        func(string) string
	logOutput     io.Writer
}

// runtime holds every wired component a command may need.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	transport *providers.Transport
	tools     *adapters.Registry
	sandbox   *plugins.Sandbox
	store     sessions.Store
	compactor *compaction.Compactor
	failover  *agent.FailoverManager
	events    *bus.Bus
	identity  *identity.Prompt
	router    *routing.Router
	loop      *agent.Loop

	pluginErr error
	closers   []func(context.Context) error
}

// newRuntime wires the agent from cfg. The returned runtime must be closed.
func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (rt *runtime, err error) {
	if opts.getenv == nil {
		opts.getenv = os.Getenv
	}
	if opts.logOutput == nil {
		opts.logOutput = os.Stderr
	}
	rt = &runtime{cfg: cfg, logger: newLogger(cfg, opts.logOutput), events: bus.New()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	rt.registry = prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		rt.metrics = observability.NewMetrics(rt.registry)
	}

	tracing := cfg.Tracing
	tracing.ServiceVersion = version
	tracer, shutdown, err := observability.NewTracer(ctx, tracing)
	if err != nil {
		return rt, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	rt.tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	providerCfg, err := cfg.LLM.ProviderConfig(opts.getenv)
	if err != nil {
		if !errors.Is(err, config.ErrNoAPIKey) || opts.requireKey {
			return rt, err
		}
		rt.logger.Warn("primary provider has no API key", "provider", providerCfg.Name, "error", err)
	}
	rt.transport, err = providers.NewTransport(providerCfg,
		providers.WithMaxRetries(cfg.LLM.MaxRetries),
		providers.WithLogger(rt.logger),
		providers.WithMetrics(rt.metrics),
		providers.WithTracer(rt.tracer),
	)
	if err != nil {
		return rt, fmt.Errorf("failed to create provider transport: %w", err)
	}

	counter := compaction.NewTokenCounter(providerCfg.Model)
	rt.store, err = openStore(ctx, cfg, opts.ephemeral, counter)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.store.Close() })

	if err := rt.registerAdapters(ctx); err != nil {
		return rt, err
	}

	rt.compactor = compaction.New(rt.transport, cfg.Compaction,
		compaction.WithLogger(rt.logger),
		compaction.WithMetrics(rt.metrics),
		compaction.WithTokenCounter(counter),
	)

	failoverOpts := []agent.FailoverOption{
		agent.WithEnabled(cfg.Failover.IsEnabled()),
		agent.WithEnv(opts.getenv),
		agent.WithFailoverLogger(rt.logger),
		agent.WithFailoverMetrics(rt.metrics),
	}
	if cfg.Failover.Cooldown > 0 {
		failoverOpts = append(failoverOpts, agent.WithCooldown(cfg.Failover.Cooldown))
	}
	if len(cfg.Failover.Chain) > 0 {
		failoverOpts = append(failoverOpts, agent.WithChain(cfg.Failover.Chain))
	}
	rt.failover = agent.NewFailoverManager(rt.transport, failoverOpts...)

	rt.identity = identity.New(cfg.Identity.Path,
		identity.WithDebounce(cfg.Identity.Debounce),
		identity.WithLogger(rt.logger),
	)
	rt.closers = append(rt.closers, func(context.Context) error { return rt.identity.Close() })
	if err := rt.identity.Load(); err != nil {
		rt.logger.Warn("identity file unreadable, using default prompt", "path", rt.identity.Path(), "error", err)
	}
	if opts.watchIdentity {
		if err := rt.identity.Watch(ctx); err != nil {
			rt.logger.Warn("identity file will not be reloaded", "error", err)
		}
	}

	rt.router, err = buildRouter(cfg.Router, rt.metrics)
	if err != nil {
		return rt, err
	}

	rt.loop = agent.NewLoop(rt.transport, rt.tools,
		agent.WithConfig(cfg.Agent),
		agent.WithFailover(rt.failover),
		agent.WithCompactor(rt.compactor),
		agent.WithBus(rt.events),
		agent.WithLogger(rt.logger),
		agent.WithMetrics(rt.metrics),
		agent.WithTracer(rt.tracer),
	)
	return rt, nil
}

// registerAdapters registers the builtin adapters and every plugin found in
// the configured directories. Plugins that fail to load are logged and
// skipped.
func (rt *runtime) registerAdapters(ctx context.Context) error {
	rt.tools = adapters.NewRegistry(
		adapters.WithLogger(rt.logger),
		adapters.WithValidator(adapters.NewSchemaValidator()),
	)
	if err := rt.tools.Register(builtin.NewSystemAdapter()); err != nil {
		return err
	}
	if state, ok := rt.store.(builtin.StateStore); ok {
		if err := rt.tools.Register(builtin.NewStateAdapter(state)); err != nil {
			return err
		}
	}

	sandbox, err := plugins.NewSandbox(ctx, rt.cfg.Sandbox,
		plugins.WithSandboxLogger(rt.logger),
		plugins.WithSandboxMetrics(rt.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create plugin sandbox: %w", err)
	}
	rt.sandbox = sandbox
	rt.closers = append(rt.closers, sandbox.Close)

	if len(rt.cfg.Plugins.Dirs) > 0 {
		loaded, err := plugins.LoadDir(ctx, sandbox, rt.cfg.Plugins.Dirs)
		if err != nil {
			rt.pluginErr = err
			rt.logger.Warn("some plugins failed to load", "error", err)
		}
		for _, adapter := range loaded {
			if err := rt.tools.Register(adapter); err != nil {
				rt.logger.Warn("plugin not registered", "plugin", adapter.ID(), "error", err)
			}
		}
	}

	if err := rt.tools.ConnectAll(ctx); err != nil {
		rt.logger.Warn("some adapters failed to connect", "error", err)
	}
	rt.closers = append(rt.closers, rt.tools.DisconnectAll)
	return nil
}

// buildRouter seeds an intent router from configuration.
func buildRouter(cfg config.RouterConfig, metrics *observability.Metrics) (*routing.Router, error) {
	router := routing.New(routing.WithMetrics(metrics))
	for _, rule := range cfg.Exact {
		if err := router.AddExact(rule.Match, rule.Handler); err != nil {
			return nil, fmt.Errorf("router exact %q: %w", rule.Match, err)
		}
	}
	for _, rule := range cfg.Patterns {
		if err := router.AddPattern(rule.Match, rule.Handler); err != nil {
			return nil, fmt.Errorf("router pattern %q: %w", rule.Match, err)
		}
	}
	return router, nil
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
