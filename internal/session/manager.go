package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/pkg/live"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session: not found")

	// ErrTooManySessions is returned by [Manager.Start] when the session
	// limit is reached.
	ErrTooManySessions = errors.New("session: too many active sessions")
)

// DefaultMaxSessions is the default limit of concurrent sessions.
const DefaultMaxSessions = 8

// Info holds metadata about a running session.
type Info struct {
	ID        string
	CreatedAt time.Time
	Status    hud.Status
	Turns     uint64
	Evidence  int
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithMaxSessions limits the number of concurrent sessions.
// Default: [DefaultMaxSessions].
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// WithManagerMetrics records metrics of every session to mt.
func WithManagerMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithManagerMirrors copies the evidence of every session to ms.
func WithManagerMirrors(ms ...evidence.Mirror) ManagerOption {
	return func(m *Manager) { m.mirrors = append(m.mirrors, ms...) }
}

// WithManagerClock sets the clock handed to every session.
func WithManagerClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clk = clk }
}

type entry struct {
	s         *Session
	media     Media
	observers []func(hud.Snapshot)
}

// Manager manages the lifecycle of Guardian sessions. Configuration changes
// made with Reconfigure apply to sessions started afterwards.
// All exported methods are safe for concurrent use.
type Manager struct {
	provider live.Provider
	cfg      atomic.Pointer[Config]
	metrics  *observe.Metrics
	mirrors  []evidence.Mirror
	clk      clock.Clock
	max      int

	mu       sync.Mutex
	sessions map[string]entry
}

// NewManager creates a Manager whose sessions connect through p.
func NewManager(p live.Provider, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: p,
		max:      DefaultMaxSessions,
		sessions: make(map[string]entry),
	}
	for _, o := range opts {
		o(m)
	}
	m.Reconfigure(cfg)
	return m
}

// Config returns the configuration new sessions are created with.
func (m *Manager) Config() Config { return *m.cfg.Load() }

// Reconfigure replaces the configuration for sessions started from now on.
// Running sessions keep their configuration.
func (m *Manager) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfg.Store(&cfg)
}

// Start creates and starts a session using media. Observers are registered
// on the session's HUD state before it starts, so they see every change.
//
// If the session fails to start it is closed and returned together with the
// error, so the caller can still render its final status.
func (m *Manager) Start(ctx context.Context, media Media, observers ...func(hud.Snapshot)) (*Session, error) {
	return m.start(ctx, entry{media: media, observers: observers}, "")
}

func (m *Manager) start(ctx context.Context, e entry, id string) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, m.max)
	}
	opts := []Option{WithID(id), WithMetrics(m.metrics), WithMirrors(m.mirrors...)}
	if m.clk != nil {
		opts = append(opts, WithClock(m.clk))
	}
	s := New(m.provider, e.media, m.Config(), opts...)
	if _, dup := m.sessions[s.ID()]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: duplicate id %q", s.ID())
	}
	for _, fn := range e.observers {
		s.State().OnChange(fn)
	}
	s.onClosed = func() { m.remove(s) }
	e.s = s
	m.sessions[s.ID()] = e
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return s, err
	}
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[s.ID()]; ok && e.s == s {
		delete(m.sessions, s.ID())
	}
}

// Get returns the running session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	return e.s, ok
}

// Stop closes the session with the given ID.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.Close()
}

// Restart closes the session with the given ID and starts a fresh one with
// the same ID, media and observers. It is the user-initiated reconnect after
// the server ended a session; nothing reconnects automatically.
func (m *Manager) Restart(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := e.s.Close(); err != nil {
		slog.Warn("session: close before restart", "session_id", id, "err", err)
	}
	slog.Info("session restarting", "session_id", id)
	return m.start(ctx, e, id)
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns metadata about every running session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		ss = append(ss, e.s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(ss))
	for _, s := range ss {
		out = append(out, Info{
			ID:        s.ID(),
			CreatedAt: s.CreatedAt(),
			Status:    s.Snapshot().Status,
			Turns:     s.Turns(),
			Evidence:  s.State().Vault().Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseAll closes every session concurrently. It returns ctx.Err() if ctx
// ends before all sessions are closed.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		ss = append(ss, e.s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range ss {
		g.Go(s.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: close all: %w", ctx.Err())
	}
}
