package vision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is the default time between two sampled frames.
const DefaultInterval = time.Second

// Option configures a [Sampler].
type Option func(*Sampler)

// WithInterval sets the sampling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Sampler) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// Sampler snapshots a [Camera] once per interval and passes every frame to
// an emit callback. Ticks while the camera is not ready are skipped.
type Sampler struct {
	cam      Camera
	emit     func(Frame)
	interval time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	skipped int
	emitted int
}

// NewSampler returns a Sampler for cam. emit is called sequentially from the
// sampling goroutine and must not block for long.
func NewSampler(cam Camera, emit func(Frame), opts ...Option) *Sampler {
	s := &Sampler{
		cam:      cam,
		emit:     emit,
		interval: DefaultInterval,
		clk:      clock.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins sampling until Stop is called or ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("vision: sampler already started")
	}
	select {
	case <-s.stop:
		return fmt.Errorf("vision: sampler stopped")
	default:
	}
	s.started = true

	ticker := s.clk.Ticker(s.interval)
	go s.run(ctx, ticker)
	return nil
}

func (s *Sampler) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.cam.Ready() {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			continue
		}
		f, err := s.cam.Snapshot(ctx)
		if err != nil {
			slog.Debug("vision: snapshot failed", "err", err)
			continue
		}
		if f.MIMEType == "" {
			f.MIMEType = JPEGMIMEType
		}
		s.mu.Lock()
		s.emitted++
		s.mu.Unlock()
		s.emit(f)
	}
}

// Stats returns how many frames were emitted and how many ticks were skipped
// because the camera was not ready.
func (s *Sampler) Stats() (emitted, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted, s.skipped
}

// Stop halts sampling and waits for the sampling goroutine to exit. Stop is
// idempotent and may be called before Start.
func (s *Sampler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
	}
	close(s.stop)
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.done
	}
}
