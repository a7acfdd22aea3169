// Package app assembles the orchestrator process: it discovers agents under
// the root directory, opens their stores, registers their tools, connects
// their channel transports, and runs the harness until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/channel/discord"
	"github.com/cireilclaw/cireilclaw/channel/matrix"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/observer"
	"github.com/cireilclaw/cireilclaw/provider/openaicompat"
	"github.com/cireilclaw/cireilclaw/sandbox"
	"github.com/cireilclaw/cireilclaw/store/postgres"
	"github.com/cireilclaw/cireilclaw/store/sqlite"
	"github.com/cireilclaw/cireilclaw/tools/fetch"
	"github.com/cireilclaw/cireilclaw/tools/file"
	"github.com/cireilclaw/cireilclaw/tools/respond"
	"github.com/cireilclaw/cireilclaw/tools/schedule"
	"github.com/cireilclaw/cireilclaw/tools/search"
	"github.com/cireilclaw/cireilclaw/tools/shell"
	"github.com/cireilclaw/cireilclaw/tools/skill"
)

// ErrForcedShutdown means a second signal arrived before the drain finished.
var ErrForcedShutdown = errors.New("forced shutdown before drain completed")

// transport is a started channel adapter.
type transport interface {
	Start(ctx context.Context) error
	Stop() error
}

// App is the orchestrator process: one harness, the discovered agents, their
// channel transports, and the config watcher.
type App struct {
	root         string
	logger       *slog.Logger
	harness      *cireilclaw.Harness
	integrations config.Integrations
	instruments  *observer.Instruments
	otelShutdown func(context.Context) error

	mu         sync.Mutex
	transports []transport
}

// Option configures an App.
type Option func(*App)

// WithRoot overrides the orchestrator root directory. Defaults to
// $HOME/.cireilclaw.
func WithRoot(root string) Option {
	return func(a *App) { a.root = root }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// New resolves the root, initializes observability when an OTLP endpoint is
// configured, loads the global integrations file, and builds the harness. A
// malformed global config aborts startup.
func New(ctx context.Context, opts ...Option) (*App, error) {
	a := &App{logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(a)
	}
	if a.root == "" {
		root, err := config.Root()
		if err != nil {
			return nil, err
		}
		a.root = root
	}

	if observer.Enabled() {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			a.logger.Warn("otel init failed, running uninstrumented", "error", err)
		} else {
			a.instruments = inst
			a.otelShutdown = shutdown
		}
	}

	integrations, err := config.LoadIntegrations(a.root)
	if err != nil {
		return nil, err
	}
	a.integrations = integrations

	hopts := []cireilclaw.HarnessOption{
		cireilclaw.WithHarnessLogger(a.logger),
		cireilclaw.WithScheduleSource(func(slug string) (*cireilclaw.HeartbeatConfig, []cireilclaw.CronJob, error) {
			return config.LoadSchedule(a.root, slug)
		}),
	}
	if a.instruments != nil {
		hopts = append(hopts, cireilclaw.WithHarnessTurnHook(a.instruments.TurnHook()))
	}
	a.harness = cireilclaw.NewHarness(a.providerFactory(), hopts...)
	return a, nil
}

// Root returns the orchestrator root directory.
func (a *App) Root() string { return a.root }

// Harness returns the process harness.
func (a *App) Harness() *cireilclaw.Harness { return a.harness }

// Run discovers and starts every configured agent, arms the schedulers,
// connects the transports, and watches for config changes. It blocks until
// ctx is canceled, then drains: transports stop, sessions flush, stores
// close.
func (a *App) Run(ctx context.Context) error {
	agents, errs := config.DiscoverAgents(a.root)
	for _, err := range errs {
		a.logger.Error("skipping agent with broken config", "error", err)
	}
	if len(agents) == 0 {
		a.logger.Warn("no agents configured", "root", a.root)
	}
	for _, cfg := range agents {
		if err := a.startAgent(ctx, cfg); err != nil {
			a.logger.Error("agent failed to start", "agent", cfg.Slug, "error", err)
		}
	}

	a.harness.StartSchedulers(ctx)

	if err := config.Watch(ctx, a.root, a.reloadAgent, config.WithWatchLogger(a.logger)); err != nil {
		a.logger.Warn("config watcher unavailable, edits need a restart", "error", err)
	}

	a.logger.Info("orchestrator running", "root", a.root, "agents", len(a.harness.Agents()))
	<-ctx.Done()
	a.drain()
	return nil
}

// RunWithSignal runs the app until SIGINT or SIGTERM. The first signal
// drains gracefully; a second one aborts the drain.
func (a *App) RunWithSignal() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		a.logger.Info("signal received, draining", "signal", sig.String())
		cancel()
		select {
		case err := <-done:
			return err
		case <-sigCh:
			a.logger.Error("second signal, aborting drain")
			return ErrForcedShutdown
		}
	}
}

// --- assembly ---

// providerFactory builds the OpenAI-compatible provider for each turn,
// wrapped with instrumentation when observability is on.
func (a *App) providerFactory() cireilclaw.ProviderFactory {
	return func(apiBase, apiKey, model string) cireilclaw.Provider {
		p := openaicompat.New(apiBase, apiKey, model)
		if a.instruments != nil {
			return observer.WrapProvider(p, model, a.instruments)
		}
		return p
	}
}

func (a *App) startAgent(ctx context.Context, cfg config.AgentConfig) error {
	store, err := a.buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	agent := cireilclaw.NewAgent(cfg.Slug, cfg.Root, cfg.Engine,
		cireilclaw.WithAgentLogger(a.logger.With("agent", cfg.Slug)))
	agent.Store = store
	if err := a.registerTools(agent, cfg.Tools); err != nil {
		store.Close()
		return err
	}
	if err := a.harness.InitAgent(ctx, agent); err != nil {
		store.Close()
		return err
	}
	a.startTransports(ctx, agent, cfg.Channels)
	return nil
}

func (a *App) buildStore(ctx context.Context, cfg config.AgentConfig) (cireilclaw.SessionStore, error) {
	return OpenStore(ctx, cfg, a.logger.With("agent", cfg.Slug))
}

// OpenStore opens the session store an agent's config selects: the embedded
// per-agent SQLite file by default, or a shared Postgres database.
func OpenStore(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (cireilclaw.SessionStore, error) {
	imagesDir := filepath.Join(cfg.Root, "images")
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("agent %s: postgres pool: %w", cfg.Slug, err)
		}
		return postgres.New(pool, imagesDir), nil
	default:
		dbPath := filepath.Join(cfg.Root, "sessions.db")
		var opts []sqlite.StoreOption
		if logger != nil {
			opts = append(opts, sqlite.WithLogger(logger))
		}
		return sqlite.New(dbPath, imagesDir, opts...), nil
	}
}

// registerTools installs the agent's tool set per its tools config. The
// respond group is always registered: turns cannot settle without a terminal
// tool.
func (a *App) registerTools(agent *cireilclaw.Agent, tools config.ToolsConfig) error {
	add := func(t cireilclaw.Tool) error {
		if a.instruments != nil {
			t = observer.WrapTool(t, a.instruments)
		}
		return agent.Tools.Add(t)
	}

	if err := add(respond.New()); err != nil {
		return err
	}
	if tools.Enabled("file") {
		if err := add(file.New()); err != nil {
			return err
		}
	}
	if tools.Enabled("exec") {
		settings := tools.Settings("exec")
		executor := sandbox.NewExecutor(sandbox.WithExecutorLogger(a.logger.With("agent", agent.Slug)))
		var opts []shell.ToolOption
		if settings.TimeoutMs > 0 {
			opts = append(opts, shell.WithTimeout(time.Duration(settings.TimeoutMs)*time.Millisecond))
		}
		if err := add(shell.New(executor, settings.AllowedBinaries, opts...)); err != nil {
			return err
		}
	}
	if tools.Enabled("brave-search") {
		if err := add(search.New(a.integrations.Brave.APIKey)); err != nil {
			return err
		}
	}
	if tools.Enabled("read-skill") {
		if err := add(skill.New()); err != nil {
			return err
		}
	}
	if tools.Enabled("schedule") {
		if err := add(schedule.New()); err != nil {
			return err
		}
	}
	if tools.Enabled("fetch") {
		if err := add(fetch.New()); err != nil {
			return err
		}
	}
	return nil
}

// startTransports connects the channel adapters the agent has credentials
// for. A transport that fails to start degrades the agent to its remaining
// channels.
func (a *App) startTransports(ctx context.Context, agent *cireilclaw.Agent, channels config.Channels) {
	if channels.Discord != nil {
		ad, err := discord.New(agent, a.harness,
			discord.Config{Token: channels.Discord.Token},
			discord.WithLogger(a.logger))
		if err == nil {
			err = ad.Start(ctx)
		}
		if err != nil {
			a.logger.Error("discord transport failed", "agent", agent.Slug, "error", err)
		} else {
			a.addTransport(ad)
		}
	}
	if channels.Matrix != nil {
		ad, err := matrix.New(agent, a.harness,
			matrix.Config{
				Homeserver:  channels.Matrix.Homeserver,
				UserID:      channels.Matrix.UserID,
				AccessToken: channels.Matrix.AccessToken,
			},
			matrix.WithLogger(a.logger))
		if err == nil {
			err = ad.Start(ctx)
		}
		if err != nil {
			a.logger.Error("matrix transport failed", "agent", agent.Slug, "error", err)
		} else {
			a.addTransport(ad)
		}
	}
}

func (a *App) addTransport(t transport) {
	a.mu.Lock()
	a.transports = append(a.transports, t)
	a.mu.Unlock()
}

// reloadAgent applies a config change for one slug: swap the engine config
// and rebuild the scheduler. Channel credential changes need a restart.
func (a *App) reloadAgent(slug string) {
	agent, ok := a.harness.Agent(slug)
	if !ok {
		a.logger.Info("config for unknown agent changed, restart to activate", "agent", slug)
		return
	}
	engine, err := config.LoadEngine(config.AgentRoot(a.root, slug))
	if err != nil {
		a.logger.Error("engine config reload failed, keeping previous", "agent", slug, "error", err)
	} else {
		agent.SetEngineConfig(engine)
	}
	a.harness.ReloadScheduler(slug)
	a.logger.Info("agent config reloaded", "agent", slug)
}

// drain stops the transports, shuts the harness down (flushing sessions and
// closing stores), and flushes telemetry.
func (a *App) drain() {
	a.mu.Lock()
	transports := a.transports
	a.transports = nil
	a.mu.Unlock()
	for _, t := range transports {
		if err := t.Stop(); err != nil {
			a.logger.Warn("stopping transport", "error", err)
		}
	}
	a.harness.Shutdown()
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("otel shutdown", "error", err)
		}
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
