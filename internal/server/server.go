// Package server exposes Jaga over HTTP.
//
// Routes:
//
//	POST /v1/mechanic/analyze  multipart engine recording (+ optional quote photo)
//	POST /v1/sceptic/vet       JSON {"listing": "..."}
//	GET  /v1/live              websocket bridge for the browser HUD
//	GET  /v1/sessions          running Guardian sessions
//	GET  /healthz, /readyz     probes
//	GET  /metrics              Prometheus scrape endpoint
//
// The bridge keeps the whole session protocol on the server. The browser only
// streams microphone audio and camera frames, plays the scheduled audio it is
// sent and renders HUD snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jaga/internal/analyze"
	"github.com/MrWong99/jaga/internal/health"
	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/internal/trigger"
)

// DefaultMaxUploadBytes limits multipart uploads to the Mechanic endpoint.
const DefaultMaxUploadBytes = 20 << 20

const shutdownTimeout = 10 * time.Second

// Analyzer runs the one-shot Mechanic and Sceptic analyses.
type Analyzer interface {
	Diagnose(ctx context.Context, in analyze.MechanicInput) (analyze.Diagnosis, error)
	Vet(ctx context.Context, listing string) (analyze.Vetting, error)
}

var _ Analyzer = (*analyze.Client)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithAnalyzer enables the Mechanic and Sceptic endpoints.
func WithAnalyzer(a Analyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithHealth registers the /healthz and /readyz probes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP and bridge metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTriggers sets the wake phrase detector used while a bridge client is in
// standby.
func WithTriggers(d *trigger.Detector) Option {
	return func(s *Server) {
		if d != nil {
			s.triggers.Store(d)
		}
	}
}

// WithClock sets the clock of the remote audio outputs.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// WithMaxUploadBytes limits Mechanic uploads. Default: [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithCheckOrigin overrides the websocket origin check. By default only
// same-host origins are accepted.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server serves the Jaga HTTP API.
type Server struct {
	sessions  *session.Manager
	analyzer  Analyzer
	health    *health.Handler
	metrics   *observe.Metrics
	triggers  atomic.Pointer[trigger.Detector]
	clk       clock.Clock
	maxUpload int64
	upgrader  websocket.Upgrader
}

// New returns a Server running Guardian sessions through sessions.
func New(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		metrics:   observe.DefaultMetrics(),
		clk:       clock.New(),
		maxUpload: DefaultMaxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
		},
	}
	s.triggers.Store(trigger.New())
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetTriggers swaps the wake phrase detector. Connected clients pick it up
// with their next transcript.
func (s *Server) SetTriggers(d *trigger.Detector) {
	if d != nil {
		s.triggers.Store(d)
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mechanic/analyze", s.handleMechanic)
	mux.HandleFunc("POST /v1/sceptic/vet", s.handleSceptic)
	mux.HandleFunc("GET /v1/live", s.handleLive)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Bridge connections are closed through ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}
