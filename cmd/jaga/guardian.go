package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/MrWong99/jaga/internal/app"
	"github.com/MrWong99/jaga/internal/config"
	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/audio/device"
	"github.com/MrWong99/jaga/pkg/vision"
)

type guardianFlags struct {
	mic       string
	rate      int
	channels  int
	cameraDir string
	out       string
}

func newGuardianCmd(c *cli) *cobra.Command {
	var f guardianFlags
	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Run a headless Guardian session from PCM input",
		Long: `Run a Guardian session on the command line.

Microphone audio is read as signed 16-bit little-endian PCM, for example:

  arecord -f S16_LE -r 16000 -c 1 | jaga guardian --mic - --out out.pcm

Model speech is written as 24 kHz PCM16 to --out. HUD changes are logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.guardian(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.mic, "mic", "-", `PCM16 input file, or "-" for stdin`)
	cmd.Flags().IntVar(&f.rate, "rate", audio.InputSampleRate, "input sample rate in Hz")
	cmd.Flags().IntVar(&f.channels, "channels", 1, "input channel count")
	cmd.Flags().StringVar(&f.cameraDir, "camera", "", "directory of JPEG frames to use as the camera")
	cmd.Flags().StringVar(&f.out, "out", "", `PCM16 output file, or "-" for stdout; empty discards speech`)
	return cmd
}

func (c *cli) guardian(parent context.Context, f guardianFlags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	media, closeMedia, err := guardianMedia(f)
	if err != nil {
		return err
	}
	defer closeMedia()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	application, err := app.New(ctx, c.cfg, reg, app.WithLevelVar(&c.level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	s, err := application.Sessions().Start(ctx, media, logHUD())
	if err != nil {
		return fmt.Errorf("start guardian: %w", err)
	}
	slog.Info("guardian live, press Ctrl+C to end", "session_id", s.ID())

	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	if err := s.Close(); err != nil {
		slog.Warn("guardian close", "err", err)
	}
	snap := s.Snapshot()
	slog.Info("guardian ended", "session_id", s.ID(), "status", snap.Status, "turns", s.Turns(), "evidence", len(snap.Evidence))
	return nil
}

// guardianMedia opens the command-line media: a PCM reader as microphone, an
// optional directory camera and a clock-driven output device.
func guardianMedia(f guardianFlags) (session.Media, func(), error) {
	var in io.Reader = os.Stdin
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if f.mic != "-" {
		fh, err := os.Open(f.mic)
		if err != nil {
			return session.Media{}, nil, fmt.Errorf("open microphone input: %w", err)
		}
		in = fh
		closers = append(closers, func() { _ = fh.Close() })
	}

	var w io.Writer = io.Discard
	switch f.out {
	case "":
	case "-":
		w = os.Stdout
	default:
		fh, err := os.Create(f.out)
		if err != nil {
			closeAll()
			return session.Media{}, nil, fmt.Errorf("create speech output: %w", err)
		}
		w = fh
		closers = append(closers, func() { _ = fh.Close() })
	}

	clk := clock.New()
	media := session.Media{
		Source: &audio.ReaderSource{R: in, Rate: f.rate, Channels: f.channels, Clock: clk},
		Output: device.NewVirtual(clk, w),
	}
	if f.cameraDir != "" {
		cam, err := vision.NewDirCamera(f.cameraDir)
		if err != nil {
			closeAll()
			return session.Media{}, nil, err
		}
		media.Camera = cam
	}
	return media, closeAll, nil
}

// logHUD logs status and subtitle changes. Timers deliver snapshots from
// their own goroutines.
func logHUD() func(hud.Snapshot) {
	var (
		mu   sync.Mutex
		last hud.Snapshot
	)
	return func(s hud.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status != last.Status {
			slog.Info("status", "status", s.Status, "message", s.StatusMessage)
		}
		if s.Subtitles.Model != last.Subtitles.Model && s.Subtitles.Model != "" {
			slog.Info("guardian", "says", s.Subtitles.Model)
		}
		if s.Subtitles.User != last.Subtitles.User && s.Subtitles.User != "" {
			slog.Info("driver", "says", s.Subtitles.User)
		}
		if s.Marker != nil && (last.Marker == nil || *s.Marker != *last.Marker) {
			slog.Info("ar marker", "target", s.Marker.Target, "label", s.Marker.Label)
		}
		if len(s.Evidence) > len(last.Evidence) {
			for _, rec := range s.Evidence[len(last.Evidence):] {
				slog.Info("evidence logged", "record", rec)
			}
		}
		last = s
	}
}
