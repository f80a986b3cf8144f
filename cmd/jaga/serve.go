package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/jaga/internal/app"
	"github.com/MrWong99/jaga/internal/config"
	"github.com/MrWong99/jaga/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HUD bridge and the Mechanic and Sceptic APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "hot-reload the config file when it changes")
	return cmd
}

func (c *cli) serve(parent context.Context, watch bool) error {
	cfg := c.cfg
	slog.Info("jaga starting",
		"config", c.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(parent, observe.ProviderConfig{ServiceName: "jaga"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(&c.level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watch && c.configFound {
		w, err := config.NewWatcher(c.configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			slog.Info("watching config for changes", "path", c.configPath)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Jaga, startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Live.Provider+" / "+cfg.Gemini.LiveModel)
	printRow("Voice", orDefault(cfg.Gemini.Voice, "(default)"))
	if cfg.Gemini.APIKey != "" {
		printRow("API key", "set")
	} else {
		printRow("API key", "(missing)")
	}
	printRow("Analysis", fmt.Sprintf("%d model(s)", max(len(cfg.Gemini.AnalysisModels), 1)))
	printRow("Wake phrases", fmt.Sprintf("%d", len(cfg.Triggers)))
	printRow("Evidence pg", enabled(cfg.Evidence.PostgresDSN != ""))
	printRow("Evidence redis", enabled(cfg.Evidence.RedisURL != ""))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}
