package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// ErrPermissionDenied is returned by [Source.Open] when the user (or the
// platform) refuses access to the input device. It is fatal for the feature
// and must be surfaced to the UI; [Capture] never retries it.
var ErrPermissionDenied = errors.New("audio: permission denied")

// Stream is an open audio input. Samples delivers interleaved float samples in
// [-1, 1] at SampleRate with Channels channels; the channel is closed when the
// device stops or Close is called.
type Stream interface {
	Samples() <-chan []float32
	SampleRate() int
	Channels() int
	Close() error
}

// Source acquires an audio input device. Implementations wrap whatever the
// platform offers: a PCM pipe, a file, or a browser microphone bridged over a
// websocket.
type Source interface {
	// Open requests access to the device. Refusal must be reported with an
	// error wrapping [ErrPermissionDenied].
	Open(ctx context.Context) (Stream, error)
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithBlockSize sets the number of samples per emitted block. Default: 4096.
func WithBlockSize(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithSampleRate sets the rate blocks are emitted at. Default: 16000.
func WithSampleRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithLevelFunc registers a callback receiving the RMS level of every block,
// e.g. for a UI level meter. It is called before the block callback.
func WithLevelFunc(fn func(level float64)) CaptureOption {
	return func(c *Capture) { c.onLevel = fn }
}

// Capture frames microphone samples into fixed-size blocks, measures their
// level and hands every block, PCM16-encoded, to a callback. It is a
// continuous push producer for the lifetime of the session.
//
// Start and Stop are safe for concurrent use.
type Capture struct {
	src       Source
	onBlock   func(Blob)
	onLevel   func(float64)
	blockSize int
	rate      int

	level atomic.Uint64 // math.Float64bits of the last block's RMS

	mu         sync.Mutex
	stream     Stream
	started    bool
	done       chan struct{}
	stopped    bool
	cancelOpen context.CancelFunc
}

// NewCapture returns a Capture reading from src. onBlock must not be nil and
// is called sequentially from the capture goroutine.
func NewCapture(src Source, onBlock func(Blob), opts ...CaptureOption) *Capture {
	c := &Capture{
		src:       src,
		onBlock:   onBlock,
		blockSize: DefaultBlockSize,
		rate:      InputSampleRate,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the source and begins emitting blocks. Permission errors are
// returned as-is (wrapping [ErrPermissionDenied]) so the caller can show an
// explanatory prompt.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.started:
		c.mu.Unlock()
		return fmt.Errorf("audio: capture already started")
	case c.stopped:
		c.mu.Unlock()
		return fmt.Errorf("audio: capture stopped")
	}
	c.started = true
	ctx, c.cancelOpen = context.WithCancel(ctx)
	c.mu.Unlock()

	stream, err := c.src.Open(ctx)
	if err != nil {
		close(c.done)
		return fmt.Errorf("audio: open input: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = stream.Close()
		close(c.done)
		return fmt.Errorf("audio: capture stopped during open")
	}
	c.stream = stream
	c.mu.Unlock()

	slog.Debug("microphone capture started",
		"rate", stream.SampleRate(),
		"channels", stream.Channels(),
		"block_size", c.blockSize,
	)
	go c.run(stream)
	return nil
}

// run frames samples until the stream closes.
func (c *Capture) run(stream Stream) {
	defer close(c.done)

	norm := Normaliser{TargetRate: c.rate}
	pending := make([]float32, 0, c.blockSize*2)
	for samples := range stream.Samples() {
		pending = append(pending, norm.Normalise(samples, stream.SampleRate(), stream.Channels())...)
		for len(pending) >= c.blockSize {
			block := pending[:c.blockSize]
			lvl := RMS(block)
			c.level.Store(math.Float64bits(lvl))
			if c.onLevel != nil {
				c.onLevel(lvl)
			}
			c.onBlock(EncodeBlock(block, c.rate))
			pending = append(pending[:0], pending[c.blockSize:]...)
		}
	}
}

// Level returns the RMS amplitude of the most recent block.
func (c *Capture) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// Done is closed once the capture goroutine has exited, either because the
// device stopped delivering samples or because Stop was called.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Stop releases the input device and waits for the capture goroutine to exit.
// When Start is still opening the device, Stop cancels the open and waits
// until the device has been released. Stop is idempotent; calling it before
// Start is allowed.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	stream := c.stream
	cancelOpen := c.cancelOpen
	c.mu.Unlock()

	if cancelOpen != nil {
		defer cancelOpen()
	}
	var err error
	switch {
	case stream != nil:
		err = stream.Close()
		<-c.done
	case started:
		cancelOpen()
		<-c.done
	default:
		close(c.done)
	}
	slog.Debug("microphone capture stopped")
	return err
}
