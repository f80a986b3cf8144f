// Package app wires all Jaga subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithProvider,
// WithAnalyzer, WithMirrors). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/jaga/internal/analyze"
	"github.com/MrWong99/jaga/internal/config"
	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/internal/health"
	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/internal/server"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/internal/trigger"
	"github.com/MrWong99/jaga/pkg/live"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	levelVar *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	provider live.Provider
	analyzer server.Analyzer
	mirrors  []evidence.Mirror
	metrics  *observe.Metrics
	health   *health.Handler
	sessions *session.Manager
	server   *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a live provider instead of creating one through the
// registry.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithAnalyzer injects an analyzer instead of creating a Gemini client.
func WithAnalyzer(an server.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithMirrors injects evidence mirrors instead of connecting to the stores
// named in the config.
func WithMirrors(ms ...evidence.Mirror) Option {
	return func(a *App) { a.mirrors = append(a.mirrors, ms...) }
}

// WithMetrics records metrics to m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The live provider is
// created through reg unless injected with [WithProvider].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New(health.NonEmptyChecker("gemini_api_key",
		config.APIKeyEnv+" is not set", func() string { return a.cfg.Gemini.APIKey }))

	if a.provider == nil {
		p, err := reg.CreateLive(cfg)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.provider = p
	}

	if len(a.mirrors) == 0 {
		if err := a.initMirrors(ctx); err != nil {
			_ = a.Shutdown(ctx)
			return nil, err
		}
	}

	if a.analyzer == nil {
		a.initAnalyzer(ctx)
	}

	a.sessions = session.NewManager(a.provider, session.ConfigFrom(cfg),
		session.WithManagerMetrics(a.metrics),
		session.WithManagerMirrors(a.mirrors...),
	)
	a.closers = append([]func() error{func() error { return a.sessions.CloseAll(context.Background()) }}, a.closers...)

	srvOpts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithTriggers(newDetector(cfg.Triggers)),
	}
	if a.analyzer != nil {
		srvOpts = append(srvOpts, server.WithAnalyzer(a.analyzer))
	}
	a.server = server.New(a.sessions, srvOpts...)

	slog.Info("app initialised",
		"live_provider", cfg.Live.Provider,
		"analysis", a.analyzer != nil,
		"evidence_mirrors", len(a.mirrors),
	)
	return a, nil
}

// initMirrors connects the evidence stores named in the config.
func (a *App) initMirrors(ctx context.Context) error {
	ev := a.cfg.Evidence
	if ev.PostgresDSN != "" {
		pm, err := evidence.NewPostgresMirror(ctx, ev.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: postgres evidence mirror: %w", err)
		}
		a.mirrors = append(a.mirrors, pm)
		a.health.Add(health.PingChecker("postgres", pm))
		a.closers = append(a.closers, func() error { pm.Close(); return nil })
		slog.Info("evidence mirror connected", "store", "postgres")
	}
	if ev.RedisURL != "" {
		rm, err := evidence.NewRedisMirror(ctx, ev.RedisURL, ev.RedisStream)
		if err != nil {
			return fmt.Errorf("app: redis evidence mirror: %w", err)
		}
		a.mirrors = append(a.mirrors, rm)
		a.health.Add(health.PingChecker("redis", rm))
		a.closers = append(a.closers, rm.Close)
		slog.Info("evidence mirror connected", "store", "redis", "stream", ev.RedisStream)
	}
	return nil
}

// initAnalyzer creates the Gemini analyzer. Without an API key the Mechanic
// and Sceptic endpoints stay disabled.
func (a *App) initAnalyzer(ctx context.Context) {
	if a.cfg.Gemini.APIKey == "" {
		slog.Warn("no API key configured, mechanic and sceptic analysis disabled")
		return
	}
	c, err := analyze.New(ctx, analyze.Config{
		APIKey:  a.cfg.Gemini.APIKey,
		BaseURL: a.cfg.Gemini.BaseURL,
		Models:  a.cfg.Gemini.AnalysisModels,
		Retry:   a.cfg.Session.Retry.Policy(),
		Prompts: analyze.Prompts{
			Mechanic: a.cfg.Prompts.Mechanic,
			Sceptic:  a.cfg.Prompts.Sceptic,
		},
	}, analyze.WithMetrics(a.metrics))
	if err != nil {
		slog.Warn("analysis disabled", "err", err)
		return
	}
	a.analyzer = c
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Analyzer returns the Mechanic and Sceptic analyzer, or nil when analysis
// is disabled.
func (a *App) Analyzer() server.Analyzer { return a.analyzer }

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.server }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config. Sections that
// need a restart are logged and ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PromptsChanged || d.SessionChanged {
		a.sessions.Reconfigure(session.ConfigFrom(new))
		slog.Info("session config reloaded; applies to new sessions")
	}
	if d.TriggersChanged {
		a.server.SetTriggers(newDetector(new.Triggers))
		slog.Info("wake phrases reloaded", "phrases", new.Triggers)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// newDetector builds the wake phrase detector. No configured phrases means
// the built-in ones.
func newDetector(phrases []string) *trigger.Detector {
	if len(phrases) == 0 {
		return trigger.New()
	}
	return trigger.New(trigger.WithPhrases(phrases...))
}

// SlogLevel maps a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session, then the evidence stores. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
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
