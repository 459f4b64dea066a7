// Package app wires all Loquax subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithToolRegistry, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/loquax/internal/config"
	"github.com/MrWong99/loquax/internal/conversation"
	"github.com/MrWong99/loquax/internal/health"
	"github.com/MrWong99/loquax/internal/history"
	"github.com/MrWong99/loquax/internal/history/postgres"
	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/resilience"
	"github.com/MrWong99/loquax/internal/server"
	"github.com/MrWong99/loquax/internal/tool"
	"github.com/MrWong99/loquax/internal/tool/builtin"
	"github.com/MrWong99/loquax/internal/turn"
	"github.com/MrWong99/loquax/pkg/provider/llm"
	"github.com/MrWong99/loquax/pkg/provider/stt"
	"github.com/MrWong99/loquax/pkg/provider/tts"
	"github.com/MrWong99/loquax/pkg/types"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and serves the conversation API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics  *observe.Metrics
	store    history.Store
	durable  *postgres.Store
	registry *tool.Registry
	cache    *tool.Cache
	guard    *resilience.GuardedLLM
	orch     *turn.Orchestrator
	svc      *conversation.Service
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithToolRegistry injects a tool registry instead of building the default
// one with the built-in tools.
func WithToolRegistry(r *tool.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects a metrics sink instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initOrchestrator()
	a.initService()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory sets up the hybrid store with the optional durable tier.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	hopts := []history.Option{history.WithMetrics(a.metrics)}
	if w := a.cfg.History.Window; w > 0 {
		hopts = append(hopts, history.WithWindow(w))
	}
	if m := a.cfg.History.HotTTLMinutes; m > 0 {
		hopts = append(hopts, history.WithHotTTL(time.Duration(m)*time.Minute))
	}

	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		durable, err := postgres.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.durable = durable
		a.closers = append(a.closers, func() error {
			durable.Close()
			return nil
		})
		hopts = append(hopts, history.WithDurable(durable))
		slog.Info("durable history tier enabled")
	}

	hybrid := history.NewHybrid(hopts...)
	a.store = hybrid
	a.closers = append(a.closers, hybrid.Close)
	return nil
}

// initTools builds the registry with the built-in tools, connects MCP
// servers, and creates the result cache.
func (a *App) initTools(ctx context.Context) error {
	if a.registry == nil {
		a.registry = tool.NewRegistry(a.metrics)
		for _, t := range builtin.All() {
			if err := a.registry.Register(t); err != nil {
				return fmt.Errorf("register builtin tool: %w", err)
			}
		}
	}
	a.closers = append(a.closers, a.registry.Close)

	for _, srv := range a.cfg.MCPServerConfigs() {
		if err := a.registry.RegisterMCPServer(ctx, srv); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	ttl := tool.DefaultCacheTTL
	if s := a.cfg.Cache.TTLSeconds; s > 0 {
		ttl = time.Duration(s) * time.Second
	}
	a.cache = tool.NewCache(ttl)
	return nil
}

// initOrchestrator wraps the LLM in the resilience guard and builds the turn
// orchestrator from the turn config.
func (a *App) initOrchestrator() {
	a.guard = resilience.NewGuardedLLM(a.providers.LLM, "llm")

	topts := []turn.Option{turn.WithMetrics(a.metrics)}
	if p := a.cfg.Turn.SystemPrompt; p != "" {
		topts = append(topts, turn.WithSystemPrompt(p))
	}
	if n := a.cfg.Turn.MaxToolIterations; n > 0 {
		topts = append(topts, turn.WithMaxToolIterations(n))
	}
	if s := a.cfg.Turn.DeadlineSeconds; s > 0 {
		topts = append(topts, turn.WithDeadline(time.Duration(s)*time.Second))
	}
	if t := a.cfg.Turn.Temperature; t > 0 {
		topts = append(topts, turn.WithTemperature(t))
	}
	if n := a.cfg.Turn.MaxTokens; n > 0 {
		topts = append(topts, turn.WithMaxTokens(n))
	}
	if m := a.cfg.Providers.LLM.Model; m != "" {
		topts = append(topts, turn.WithModelName(m))
	}

	a.orch = turn.New(a.guard, a.registry, a.cache, a.store, topts...)
}

// initService builds the conversation facade over the orchestrator.
func (a *App) initService() {
	sopts := []conversation.Option{conversation.WithMetrics(a.metrics)}
	if a.providers.STT != nil {
		sopts = append(sopts, conversation.WithSTT(a.providers.STT))
	}
	if a.providers.TTS != nil {
		sopts = append(sopts, conversation.WithTTS(a.providers.TTS))
	}
	if v := a.cfg.Providers.TTS.Voice; v != "" {
		sopts = append(sopts, conversation.WithDefaultVoice(types.VoiceProfile{ID: v}))
	}
	a.svc = conversation.NewService(a.orch, a.store, sopts...)
}

// initServer assembles the health handler and the HTTP route tree.
func (a *App) initServer() {
	checkers := []health.Checker{
		health.BreakerChecker("llm", a.guard),
	}
	if a.durable != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.durable.Ping})
	}
	hh := health.New(checkers, health.WithDetails(func() map[string]any {
		stats := a.store.Stats()
		return map[string]any{
			"hot_sessions":   stats.HotSessions,
			"hot_messages":   stats.HotMessages,
			"durable_backed": stats.DurableBacked,
		}
	}))

	srv := server.New(a.svc,
		server.WithHealth(hh),
		server.WithMetrics(a.metrics),
		server.WithAPIKeys(a.cfg.Server.APIKeys),
	)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Startup check ───────────────────────────────────────────────────────────

// StartupCheck probes the critical dependencies once before serving. A
// failure here should abort startup with a dedicated exit code.
func (a *App) StartupCheck(ctx context.Context) error {
	if a.durable != nil {
		if err := a.durable.Ping(ctx); err != nil {
			return fmt.Errorf("app: durable tier unreachable: %w", err)
		}
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
// It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server listening", "addr", a.httpSrv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(drainCtx); err != nil {
		slog.Warn("http drain incomplete", "err", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
