// Command jaga is the entry point for the Jaga car companion: the HTTP server
// with its browser bridge, a headless Guardian session, and one-shot Mechanic
// and Sceptic analyses.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/jaga/internal/app"
	"github.com/MrWong99/jaga/internal/config"
	"github.com/MrWong99/jaga/pkg/live"
	"github.com/MrWong99/jaga/pkg/live/gemini"
)

const defaultConfigPath = "jaga.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jaga: %v\n", err)
		return 1
	}
	return 0
}

// cli carries state shared by all subcommands.
type cli struct {
	configPath string

	// configFound is false when the default config file is absent and the
	// built-in defaults are used.
	configFound bool

	cfg   *config.Config
	level slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "jaga",
		Short:         "Jaga, the realtime car companion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(c),
		newGuardianCmd(c),
		newMechanicCmd(c),
		newScepticCmd(c),
	)
	return root
}

// load reads the configuration and installs the default logger. A missing
// config file is only an error when the path was given explicitly.
func (c *cli) load(explicit bool) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
		c.configFound = true
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return err
		}
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", c.configPath)
	default:
		return err
	}
	c.cfg = cfg

	c.level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&c.level))
	if !c.configFound {
		slog.Debug("no config file found, using defaults", "path", c.configPath)
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in live provider factories into reg.
// A missing API key is not an error here; /readyz reports it and connects fail.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive(config.DefaultLiveProvider, func(cfg *config.Config) (live.Provider, error) {
		return gemini.New(cfg.Gemini.APIKey,
			gemini.WithModel(cfg.Gemini.LiveModel),
			gemini.WithBaseURL(cfg.Live.URL),
		), nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
