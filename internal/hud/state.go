// Package hud holds the display state of a Guardian session and turns the
// model's tool calls into changes of that state.
//
// [State] owns subtitles, the AR marker, the holographic overlay, the status
// indicator and the evidence log. It is fed by the session loop through
// [State.Apply] and by the [Dispatcher]. Observers subscribe with
// [State.OnChange] and receive a [Snapshot] after every change.
package hud

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/pkg/live"
)

const (
	// DefaultSubtitleClearDelay is how long subtitles stay visible after the
	// model finished its turn.
	DefaultSubtitleClearDelay = 5 * time.Second

	// DefaultMarkerTTL is how long an AR marker stays on screen.
	DefaultMarkerTTL = 8 * time.Second

	// MinMarkerTTL and MaxMarkerTTL bound a configured marker TTL.
	MinMarkerTTL = 5 * time.Second
	MaxMarkerTTL = 15 * time.Second
)

// Status is the connection indicator shown to the user.
type Status string

const (
	StatusIdle             Status = "IDLE"
	StatusConnecting       Status = "CONNECTING"
	StatusLive             Status = "LIVE"
	StatusRetrying         Status = "RETRYING"
	StatusDegraded         Status = "DEGRADED"
	StatusPermissionDenied Status = "PERMISSION_DENIED"
	StatusReconnect        Status = "RECONNECT"
	StatusError            Status = "ERROR"
)

// Blocking reports whether the status needs an explanatory prompt rather
// than an indicator.
func (s Status) Blocking() bool { return s == StatusPermissionDenied }

// Marker is a spatial highlight drawn over the camera feed.
type Marker struct {
	Target    string    `json:"target"`
	Label     string    `json:"label"`
	Rotation  *float64  `json:"rotation,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Overlay is a data panel. It has no expiry.
type Overlay struct {
	Title      string   `json:"title"`
	DataPoints []string `json:"data_points"`
	Severity   string   `json:"severity"`
}

// Subtitles are the two live captions.
type Subtitles struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// Snapshot is a point-in-time copy of the display state.
type Snapshot struct {
	Status        Status            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Subtitles     Subtitles         `json:"subtitles"`
	Marker        *Marker           `json:"marker,omitempty"`
	Overlay       *Overlay          `json:"overlay,omitempty"`
	Evidence      []evidence.Record `json:"evidence"`
}

// Option configures a [State].
type Option func(*State)

// WithClock sets the clock driving subtitle and marker timers.
func WithClock(clk clock.Clock) Option {
	return func(s *State) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithSubtitleClearDelay overrides [DefaultSubtitleClearDelay].
func WithSubtitleClearDelay(d time.Duration) Option {
	return func(s *State) {
		if d > 0 {
			s.clearDelay = d
		}
	}
}

// WithMarkerTTL overrides [DefaultMarkerTTL]. Values are clamped to
// [MinMarkerTTL, MaxMarkerTTL].
func WithMarkerTTL(d time.Duration) Option {
	return func(s *State) {
		if d > 0 {
			s.markerTTL = min(max(d, MinMarkerTTL), MaxMarkerTTL)
		}
	}
}

// WithVault sets the evidence log. By default a fresh unnamed vault is used.
func WithVault(v *evidence.Vault) Option {
	return func(s *State) {
		if v != nil {
			s.vault = v
		}
	}
}

// State is the display state of one session. All methods are safe for
// concurrent use.
type State struct {
	clk        clock.Clock
	clearDelay time.Duration
	markerTTL  time.Duration
	vault      *evidence.Vault

	mu        sync.Mutex
	status    Status
	statusMsg string
	subs      Subtitles
	// freshUser/freshModel mark that the next delta starts a new caption.
	freshUser  bool
	freshModel bool
	clearTimer *clock.Timer
	clearGen   uint64
	marker     *Marker
	markTimer  *clock.Timer
	markGen    uint64
	overlay    *Overlay
	listeners  []func(Snapshot)
	closed     bool
}

// NewState creates an idle State.
func NewState(opts ...Option) *State {
	s := &State{
		clk:        clock.New(),
		clearDelay: DefaultSubtitleClearDelay,
		markerTTL:  DefaultMarkerTTL,
		status:     StatusIdle,
		freshUser:  true,
		freshModel: true,
	}
	for _, o := range opts {
		o(s)
	}
	if s.vault == nil {
		s.vault = evidence.NewVault("")
	}
	return s
}

// OnChange registers fn to be called with a fresh snapshot after every
// change. fn runs on the goroutine that caused the change and must not
// block.
func (s *State) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Vault returns the evidence log.
func (s *State) Vault() *evidence.Vault { return s.vault }

// MarkerTTL returns the effective marker lifetime.
func (s *State) MarkerTTL() time.Duration { return s.markerTTL }

// Apply updates subtitles from a session event. Events that carry no
// display information are ignored.
func (s *State) Apply(ev live.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case live.TranscriptDelta:
		if e.Text == "" {
			s.mu.Unlock()
			return
		}
		s.cancelClearLocked()
		if e.Role == live.RoleUser {
			s.subs.User = appendCaption(s.subs.User, e.Text, s.freshUser)
			s.freshUser = false
		} else {
			s.subs.Model = appendCaption(s.subs.Model, e.Text, s.freshModel)
			s.freshModel = false
		}
	case live.TurnComplete:
		s.freshUser, s.freshModel = true, true
		s.scheduleClearLocked()
	case live.Interrupted:
		s.subs.Model = ""
		s.freshModel = true
	default:
		s.mu.Unlock()
		return
	}
	s.notifyLocked()
}

func appendCaption(cur, delta string, fresh bool) string {
	if fresh {
		return strings.TrimLeft(delta, " ")
	}
	return cur + delta
}

func (s *State) cancelClearLocked() {
	s.clearGen++
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}

func (s *State) scheduleClearLocked() {
	s.cancelClearLocked()
	gen := s.clearGen
	s.clearTimer = s.clk.AfterFunc(s.clearDelay, func() {
		s.mu.Lock()
		if s.closed || gen != s.clearGen {
			s.mu.Unlock()
			return
		}
		s.clearTimer = nil
		s.subs = Subtitles{}
		s.notifyLocked()
	})
}

// SetMarker replaces the current marker and schedules its expiry. A pending
// expiry of the previous marker is cancelled. The stored marker is returned.
func (s *State) SetMarker(m Marker) Marker {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return m
	}
	m.ExpiresAt = s.clk.Now().Add(s.markerTTL)
	s.markGen++
	if s.markTimer != nil {
		s.markTimer.Stop()
	}
	gen := s.markGen
	s.marker = &m
	s.markTimer = s.clk.AfterFunc(s.markerTTL, func() {
		s.mu.Lock()
		if s.closed || gen != s.markGen {
			s.mu.Unlock()
			return
		}
		s.marker = nil
		s.markTimer = nil
		s.notifyLocked()
	})
	s.notifyLocked()
	return m
}

// SetOverlay replaces the current overlay.
func (s *State) SetOverlay(o Overlay) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	o.DataPoints = slices.Clone(o.DataPoints)
	s.overlay = &o
	s.notifyLocked()
}

// LogEvidence prepends rec to the evidence log.
func (s *State) LogEvidence(rec evidence.Record) error {
	if err := s.vault.Log(rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.notifyLocked()
	return nil
}

// SetStatus updates the status indicator.
func (s *State) SetStatus(st Status, msg string) {
	s.mu.Lock()
	if s.status == st && s.statusMsg == msg {
		s.mu.Unlock()
		return
	}
	s.status, s.statusMsg = st, msg
	s.notifyLocked()
}

// Snapshot returns a copy of the current display state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:        s.status,
		StatusMessage: s.statusMsg,
		Subtitles:     s.subs,
		Evidence:      s.vault.List(),
	}
	if s.marker != nil {
		m := *s.marker
		snap.Marker = &m
	}
	if s.overlay != nil {
		o := *s.overlay
		o.DataPoints = slices.Clone(o.DataPoints)
		snap.Overlay = &o
	}
	return snap
}

// notifyLocked releases s.mu and calls every listener.
func (s *State) notifyLocked() {
	snap := s.snapshotLocked()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(snap)
	}
}

// Close stops all timers and clears the marker and overlay. Further changes
// other than status updates are ignored.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelClearLocked()
	s.markGen++
	if s.markTimer != nil {
		s.markTimer.Stop()
		s.markTimer = nil
	}
	s.marker = nil
	s.overlay = nil
	s.notifyLocked()
}
