package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/vision"
)

const (
	// DefaultVisionMinGap is the minimum delay between two image requests.
	DefaultVisionMinGap = 2 * time.Second

	// DefaultVisionTimeout bounds a single image request.
	DefaultVisionTimeout = 10 * time.Second

	// DefaultPendingLimit bounds the number of sends queued while connecting.
	DefaultPendingLimit = 256

	eventBuffer = 64
)

// ChannelOption configures a [Channel].
type ChannelOption func(*Channel)

// WithRetryPolicy sets the policy for rate-limited connects and image sends.
func WithRetryPolicy(p RetryPolicy) ChannelOption {
	return func(c *Channel) { c.retry = p.withDefaults() }
}

// WithVisionThrottle sets the minimum gap between image requests and the
// per-request timeout. Non-positive values keep the defaults.
func WithVisionThrottle(minGap, timeout time.Duration) ChannelOption {
	return func(c *Channel) {
		if minGap > 0 {
			c.visionGap = minGap
		}
		if timeout > 0 {
			c.visionTimeout = timeout
		}
	}
}

// WithPendingLimit bounds the connect-time send queue. When full, the oldest
// queued message is dropped.
func WithPendingLimit(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.pendingLimit = n
		}
	}
}

// WithChannelClock replaces the clock used for image throttling, for tests.
func WithChannelClock(clk clock.Clock) ChannelOption {
	return func(c *Channel) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithErrorHandler registers a callback for errors that do not end the
// session, such as a failed image request or exhausted retries.
func WithErrorHandler(fn func(error)) ChannelOption {
	return func(c *Channel) { c.onError = fn }
}

// WithRetryHandler registers a callback invoked before every rate-limit retry.
func WithRetryHandler(fn func(attempt int, wait time.Duration)) ChannelOption {
	return func(c *Channel) { c.onRetry = fn }
}

// ChannelStats are counters for the image queue.
type ChannelStats struct {
	ImagesSent    int64
	ImagesDropped int64
	ImagesFailed  int64
}

// Channel is one realtime session with the model. Create it with
// [NewChannel], call [Channel.Connect], consume [Channel.Events] and call
// [Channel.Close] when done. A Channel is single-use; reconnecting means
// creating a new one.
type Channel struct {
	provider      Provider
	cfg           Config
	retry         RetryPolicy
	clk           clock.Clock
	visionGap     time.Duration
	visionTimeout time.Duration
	pendingLimit  int
	onError       func(error)
	onRetry       func(int, time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	err        error
	conn       Conn
	pending    []ClientMessage
	hooks      []func(State)
	connecting bool
	closing    bool

	// flushMu is held exclusively while queued messages flush, so that they
	// go out before new ones. Ordinary sends share it.
	flushMu sync.RWMutex

	events     chan Event
	eventsOnce sync.Once
	pumpDone   chan struct{}
	wg         sync.WaitGroup

	imgMu   sync.Mutex
	imgSlot *vision.Frame
	imgWake chan struct{}

	imagesSent    atomic.Int64
	imagesDropped atomic.Int64
	imagesFailed  atomic.Int64
}

// NewChannel returns a Channel in [StateConnecting]. Nothing is dialled
// until Connect.
func NewChannel(p Provider, cfg Config, opts ...ChannelOption) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		provider:      p,
		cfg:           cfg,
		retry:         DefaultRetryPolicy(),
		clk:           clock.New(),
		visionGap:     DefaultVisionMinGap,
		visionTimeout: DefaultVisionTimeout,
		pendingLimit:  DefaultPendingLimit,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateConnecting,
		events:        make(chan Event, eventBuffer),
		pumpDone:      make(chan struct{}),
		imgWake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the provider and waits for the setup handshake. Rate-limited
// attempts are retried according to the retry policy. On success the channel
// is Open and every queued send has been flushed in order.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state.Terminal() || c.closing:
		c.mu.Unlock()
		return ErrSessionClosed
	case c.connecting || c.conn != nil:
		c.mu.Unlock()
		return fmt.Errorf("live: connect already called")
	}
	c.connecting = true
	c.mu.Unlock()

	var conn Conn
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		cn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}, c.onRetry)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.pump(conn)

	c.flushMu.Lock()
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		c.flushMu.Unlock()
		return c.terminalErr()
	}
	pending := c.pending
	c.pending = nil
	c.state = StateOpen
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for _, msg := range pending {
		if err := conn.Send(ctx, msg); err != nil {
			slog.Warn("live: flushing queued message failed", "err", err)
			c.reportError(fmt.Errorf("live: flush queued message: %w", err))
		}
	}
	c.flushMu.Unlock()

	slog.Debug("live: state change", "state", StateOpen.String(), "flushed", len(pending))
	for _, h := range hooks {
		h(StateOpen)
	}

	c.wg.Add(1)
	go c.imageLoop()
	return nil
}

// dial performs one connect attempt, including the setup handshake.
func (c *Channel) dial(ctx context.Context) (Conn, error) {
	conn, err := c.provider.Connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	select {
	case <-conn.Ready():
		return conn, nil
	case <-conn.Done():
		err := conn.Err()
		if err == nil {
			err = ErrSessionClosed
		}
		return nil, fmt.Errorf("live: setup: %w", err)
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		_ = conn.Close()
		return nil, ErrSessionClosed
	}
}

// pump forwards transport events until the connection ends.
func (c *Channel) pump(conn Conn) {
	defer close(c.pumpDone)
	defer c.closeEvents()

	for ev := range conn.Events() {
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			// Closed by the client; drain so the transport can exit.
			for range conn.Events() {
			}
			return
		}
	}

	err := conn.Err()
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing || err == nil {
		c.setState(StateClosed)
		return
	}
	c.fail(err)
}

// fail moves the channel to Errored and records err.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.closing {
		noConn := c.conn == nil
		c.mu.Unlock()
		c.setState(StateClosed)
		if noConn {
			c.closeEvents()
		}
		return
	}
	if !errors.Is(err, ErrSessionErrored) {
		err = fmt.Errorf("%w: %w", ErrSessionErrored, err)
	}
	c.err = err
	noConn := c.conn == nil
	c.mu.Unlock()

	slog.Warn("live: session errored", "err", err)
	c.setState(StateErrored)
	c.cancel()
	if noConn {
		c.closeEvents()
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	slog.Debug("live: state change", "state", s.String())
	for _, h := range hooks {
		h(s)
	}
}

func (c *Channel) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func (c *Channel) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Channel) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrSessionClosed
}

// send writes msg now if Open, queues it if Connecting, and fails otherwise.
func (c *Channel) send(ctx context.Context, msg ClientMessage) error {
	c.mu.Lock()
	switch {
	case c.closing || c.state.Terminal():
		c.mu.Unlock()
		return ErrSessionClosed
	case c.state == StateConnecting:
		if len(c.pending) >= c.pendingLimit {
			c.pending = c.pending[1:]
			slog.Debug("live: connect queue full, dropping oldest message")
		}
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	c.flushMu.RLock()
	defer c.flushMu.RUnlock()
	if err := conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("live: send: %w", err)
	}
	return nil
}

// SendAudio streams one microphone block.
func (c *Channel) SendAudio(ctx context.Context, b audio.Blob) error {
	return c.send(ctx, AudioInput{Blob: b})
}

// SendText sends a user text turn.
func (c *Channel) SendText(ctx context.Context, text string) error {
	return c.send(ctx, TextInput{Text: text})
}

// SendToolResponse acknowledges a tool call.
func (c *Channel) SendToolResponse(ctx context.Context, r ToolResponse) error {
	return c.send(ctx, ToolResponses{Responses: []ToolResponse{r}})
}

// SendImage offers a camera frame. It never blocks: the frame replaces any
// frame still waiting to be sent, and is sent once no other image request is
// in flight and the minimum gap since the previous one has elapsed.
func (c *Channel) SendImage(f vision.Frame) error {
	c.mu.Lock()
	closed := c.closing || c.state.Terminal()
	c.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	c.imgMu.Lock()
	if c.imgSlot != nil {
		c.imagesDropped.Add(1)
	}
	c.imgSlot = &f
	c.imgMu.Unlock()

	select {
	case c.imgWake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) takeImage() (vision.Frame, bool) {
	c.imgMu.Lock()
	defer c.imgMu.Unlock()
	if c.imgSlot == nil {
		return vision.Frame{}, false
	}
	f := *c.imgSlot
	c.imgSlot = nil
	return f, true
}

// imageLoop is the only sender of images, so at most one image request is in
// flight at any time.
func (c *Channel) imageLoop() {
	defer c.wg.Done()

	var last time.Time
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.imgWake:
		}

		if !last.IsZero() {
			if wait := c.visionGap - c.clk.Since(last); wait > 0 {
				t := c.clk.Timer(wait)
				select {
				case <-c.ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}

		f, ok := c.takeImage()
		if !ok {
			continue
		}
		last = c.clk.Now()

		err := c.retry.Do(c.ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, c.visionTimeout)
			defer cancel()
			return c.send(ctx, ImageInput{Frame: f})
		}, c.onRetry)
		switch {
		case err == nil:
			c.imagesSent.Add(1)
		case errors.Is(err, ErrSessionClosed) || c.ctx.Err() != nil:
			return
		default:
			c.imagesFailed.Add(1)
			slog.Warn("live: image request failed", "err", err)
			c.reportError(err)
		}
	}
}

// Events returns the server events in arrival order. The channel is closed
// when the session ends.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called after every state transition. Hooks
// run synchronously on the goroutine causing the transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Err returns the error that moved the channel to [StateErrored], if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns the image queue counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		ImagesSent:    c.imagesSent.Load(),
		ImagesDropped: c.imagesDropped.Load(),
		ImagesFailed:  c.imagesFailed.Load(),
	}
}

// Close ends the session and releases the transport. It is idempotent. The
// Events channel is closed before Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
		<-c.pumpDone
	} else {
		c.closeEvents()
	}
	c.wg.Wait()
	c.setState(StateClosed)
	return err
}
