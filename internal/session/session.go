// Package session runs Guardian sessions.
//
// A [Session] wires microphone capture, the vision sampler, the playback
// scheduler and the live channel to a HUD state and a tool-call dispatcher.
// Model events are consumed by a single goroutine in arrival order, so every
// state change of a session is serialised. Close tears the components down in
// a fixed order: capture, sampler, scheduler, channel.
//
// A [Manager] owns the sessions of a process.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/live"
	"github.com/MrWong99/jaga/pkg/vision"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session: closed")

// User-facing status messages.
const (
	msgPermissionDenied = "Microphone access was denied. Allow it and start the Guardian again."
	msgServerClosed     = "The Guardian hung up. Reconnect to continue."
	msgConnectionLost   = "The connection to the Guardian was lost. Reconnect to continue."
	msgDegraded         = "The Guardian is overloaded; some camera frames were skipped."
)

// Media are the devices a session talks through.
type Media struct {
	// Source is the microphone. Required.
	Source audio.Source

	// Camera is optional; without it no frames are sampled.
	Camera vision.Camera

	// Output plays the model's speech. Required.
	Output audio.Output
}

// Option configures a [Session].
type Option func(*Session)

// WithID sets the session ID. Default: a random UUID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithClock sets the clock driving HUD timers, frame sampling and image
// throttling.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithMetrics records session metrics to m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMirrors copies every evidence record to the given mirrors.
func WithMirrors(ms ...evidence.Mirror) Option {
	return func(s *Session) { s.mirrors = append(s.mirrors, ms...) }
}

// Session is one Guardian session. Create it with [New], call
// [Session.Start] and finally [Session.Close]. A Session is single-use.
type Session struct {
	id      string
	cfg     Config
	clk     clock.Clock
	metrics *observe.Metrics
	mirrors []evidence.Mirror
	created time.Time

	state   *hud.State
	sched   *audio.Scheduler
	ch      *live.Channel
	disp    *hud.Dispatcher
	capture *audio.Capture
	sampler *vision.Sampler
	tracker live.TurnTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	loopStarted bool
	closed      bool
	counted     bool
	onClosed    func()

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	loopDone  chan struct{}

	// onTeardown observes the teardown order in tests.
	onTeardown func(step string)
}

// New assembles a session talking to p through media. Nothing is started
// until [Session.Start].
func New(p live.Provider, media Media, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg.withDefaults(),
		clk:      clock.New(),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.created = s.clk.Now()
	s.ctx, s.cancel = context.WithCancel(observe.WithSessionID(context.Background(), s.id))

	var vopts []evidence.VaultOption
	for _, m := range s.mirrors {
		vopts = append(vopts, evidence.WithMirror(m))
	}
	s.state = hud.NewState(
		hud.WithClock(s.clk),
		hud.WithSubtitleClearDelay(s.cfg.SubtitleClearDelay),
		hud.WithMarkerTTL(s.cfg.MarkerTTL),
		hud.WithVault(evidence.NewVault(s.id, vopts...)),
	)

	s.ch = live.NewChannel(p, s.cfg.liveConfig(),
		live.WithRetryPolicy(s.cfg.Retry),
		live.WithVisionThrottle(s.cfg.VisionMinGap, s.cfg.VisionTimeout),
		live.WithChannelClock(s.clk),
		live.WithErrorHandler(s.onChannelError),
		live.WithRetryHandler(s.onRetry),
	)
	s.ch.OnStateChange(s.onState)

	s.disp = hud.NewDispatcher(s.state, s.ch, hud.WithResultHook(func(name, result string) {
		s.metrics.RecordToolCall(s.ctx, name, result)
	}))
	s.sched = audio.NewScheduler(media.Output)
	s.capture = audio.NewCapture(media.Source, s.sendBlock,
		audio.WithBlockSize(s.cfg.BlockSize),
		audio.WithSampleRate(s.cfg.InputSampleRate),
	)
	if media.Camera != nil {
		s.sampler = vision.NewSampler(media.Camera, s.sendFrame,
			vision.WithInterval(s.cfg.FrameInterval),
			vision.WithClock(s.clk),
		)
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.created }

// State returns the HUD state of the session.
func (s *Session) State() *hud.State { return s.state }

// Snapshot is shorthand for State().Snapshot().
func (s *Session) Snapshot() hud.Snapshot { return s.state.Snapshot() }

// Level returns the RMS level of the last microphone block.
func (s *Session) Level() float64 { return s.capture.Level() }

// Turns returns the number of model turns seen so far.
func (s *Session) Turns() uint64 { return s.tracker.Turns() }

// Done is closed once the model event stream has ended, either because of
// Close or because the server ended the session.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

// Err returns the error that ended the live channel, if any.
func (s *Session) Err() error { return s.ch.Err() }

// SendText sends a typed user turn.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.ch.SendText(ctx, text)
}

// Start opens the microphone, connects to the model and starts sampling
// frames. Microphone audio captured while connecting is queued by the
// channel. A refused microphone sets the PERMISSION_DENIED status and is
// never retried.
//
// On error the caller must still call Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.counted = true
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.state.SetStatus(hud.StatusConnecting, "")

	if err := s.capture.Start(s.ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			s.state.SetStatus(hud.StatusPermissionDenied, msgPermissionDenied)
		} else {
			s.state.SetStatus(hud.StatusError, err.Error())
		}
		return fmt.Errorf("session: start capture: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.loopStarted = true
	s.mu.Unlock()
	go s.loop()

	begin := s.clk.Now()
	cctx, span := observe.StartSpan(observe.WithSessionID(ctx, s.id), "session.connect")
	err := s.ch.Connect(cctx)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		switch {
		case s.closing.Load(), ctx.Err() != nil:
		case errors.Is(err, live.ErrSessionDegraded):
			s.state.SetStatus(hud.StatusDegraded, "The Guardian is overloaded. Try again in a moment.")
		default:
			s.state.SetStatus(hud.StatusError, err.Error())
		}
		return fmt.Errorf("session: connect: %w", err)
	}
	s.metrics.ConnectDuration.Record(ctx, s.clk.Since(begin).Seconds())

	if s.sampler != nil {
		if err := s.sampler.Start(s.ctx); err != nil {
			return fmt.Errorf("session: start sampler: %w", err)
		}
	}
	observe.Logger(s.ctx).Info("session started", "vision", s.sampler != nil)
	return nil
}

// loop consumes model events in arrival order until the channel ends.
func (s *Session) loop() {
	defer close(s.loopDone)
	for ev := range s.ch.Events() {
		s.handle(ev)
	}
}

func (s *Session) handle(ev live.Event) {
	s.tracker.Observe(ev)
	switch ev := ev.(type) {
	case live.AudioChunk:
		s.play(ev)
	case live.TranscriptDelta:
		s.state.Apply(ev)
	case live.ToolCallRequest:
		if err := s.disp.Dispatch(s.ctx, ev); err != nil {
			observe.Logger(s.ctx).Warn("session: tool call", "tool", ev.Name, "err", err)
		}
	case live.TurnComplete:
		s.state.Apply(ev)
		s.recover()
	case live.Interrupted:
		s.sched.Interrupt()
		s.state.Apply(ev)
	case live.ToolCallCancellation:
		observe.Logger(s.ctx).Debug("session: tool calls cancelled", "ids", ev.IDs)
	}
}

// play decodes a model audio chunk and schedules it. Malformed chunks are
// dropped; playback continues with the next one.
func (s *Session) play(ev live.AudioChunk) {
	buf, err := audio.DecodeBlob(audio.Blob{Data: ev.Data, MIMEType: ev.MIMEType}, s.cfg.OutputSampleRate)
	if err != nil {
		s.metrics.DecodeErrors.Add(s.ctx, 1)
		observe.Logger(s.ctx).Warn("session: dropping malformed audio chunk", "err", err)
		return
	}
	if _, err := s.sched.Enqueue(buf); err != nil {
		observe.Logger(s.ctx).Debug("session: schedule audio", "err", err)
		return
	}
	s.metrics.AudioChunksScheduled.Add(s.ctx, 1)
	s.recover()
}

// recover returns a retrying or degraded session to LIVE once the model
// answers again.
func (s *Session) recover() {
	switch s.state.Snapshot().Status {
	case hud.StatusRetrying, hud.StatusDegraded:
		s.state.SetStatus(hud.StatusLive, "")
	}
}

func (s *Session) sendBlock(b audio.Blob) {
	if err := s.ch.SendAudio(s.ctx, b); err != nil {
		if !errors.Is(err, live.ErrSessionClosed) {
			observe.Logger(s.ctx).Warn("session: send audio", "err", err)
		}
		return
	}
	s.metrics.AudioBlocksSent.Add(s.ctx, 1)
}

func (s *Session) sendFrame(f vision.Frame) {
	_ = s.ch.SendImage(f)
}

func (s *Session) onState(st live.State) {
	if s.closing.Load() {
		return
	}
	switch st {
	case live.StateOpen:
		s.state.SetStatus(hud.StatusLive, "")
	case live.StateClosed:
		s.state.SetStatus(hud.StatusReconnect, msgServerClosed)
	case live.StateErrored:
		observe.Logger(s.ctx).Warn("session: live channel errored", "err", s.ch.Err())
		s.state.SetStatus(hud.StatusReconnect, msgConnectionLost)
	}
}

func (s *Session) onRetry(attempt int, wait time.Duration) {
	s.metrics.RecordRetry(s.ctx, "live")
	s.state.SetStatus(hud.StatusRetrying, fmt.Sprintf("Rate limited; retry %d in %s.", attempt, wait))
}

func (s *Session) onChannelError(err error) {
	if errors.Is(err, live.ErrSessionDegraded) {
		s.state.SetStatus(hud.StatusDegraded, msgDegraded)
		return
	}
	observe.Logger(s.ctx).Warn("session: live channel", "err", err)
}

func (s *Session) step(name string) {
	if s.onTeardown != nil {
		s.onTeardown(name)
	}
}

// Close tears the session down: it stops the capture, then the sampler,
// interrupts and closes the scheduler and finally closes the channel. It
// waits for the event loop and pending evidence mirrors. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.mu.Lock()
		s.closed = true
		loopStarted := s.loopStarted
		counted := s.counted
		onClosed := s.onClosed
		s.mu.Unlock()

		var errs []error
		s.step("capture")
		errs = append(errs, s.capture.Stop())
		s.step("sampler")
		if s.sampler != nil {
			s.sampler.Stop()
		}
		s.step("scheduler")
		s.sched.Interrupt()
		errs = append(errs, s.sched.Close())
		s.step("channel")
		errs = append(errs, s.ch.Close())
		s.cancel()

		if loopStarted {
			<-s.loopDone
		} else {
			close(s.loopDone)
		}

		stats := s.ch.Stats()
		s.metrics.RecordVisionFrames(context.Background(), "sent", stats.ImagesSent)
		s.metrics.RecordVisionFrames(context.Background(), "dropped", stats.ImagesDropped)
		s.metrics.RecordVisionFrames(context.Background(), "failed", stats.ImagesFailed)

		// A refused microphone or a failed start stays visible after teardown.
		switch s.state.Snapshot().Status {
		case hud.StatusPermissionDenied, hud.StatusError:
		default:
			s.state.SetStatus(hud.StatusIdle, "")
		}
		s.state.Close()
		s.state.Vault().Flush()
		if counted {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.closeErr = errors.Join(errs...)

		observe.Logger(s.ctx).Info("session closed",
			"turns", s.tracker.Turns(),
			"evidence", s.state.Vault().Len(),
			"images_sent", stats.ImagesSent,
			"images_dropped", stats.ImagesDropped,
		)
		if onClosed != nil {
			onClosed()
		}
	})
	return s.closeErr
}
