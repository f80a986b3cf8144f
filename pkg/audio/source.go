package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ReaderSource reads signed 16-bit little-endian PCM from an io.Reader, for
// example a pipe from `arecord -f S16_LE` or a recorded file. When Clock is
// set, chunks are released in real time so a file behaves like a live
// microphone; with a nil Clock they are delivered as fast as the consumer
// reads them.
type ReaderSource struct {
	R          io.Reader
	Rate       int
	Channels   int
	ChunkSize  int // samples per channel per chunk; default 1024
	Clock      clock.Clock
	CloseInput bool // close R (if it is an io.Closer) when the stream closes
}

var _ Source = (*ReaderSource)(nil)

// Open starts reading. It never reports a permission error; the caller opened
// the underlying reader already.
func (s *ReaderSource) Open(ctx context.Context) (Stream, error) {
	if s.R == nil {
		return nil, errors.New("audio: reader source: nil reader")
	}
	rate := s.Rate
	if rate <= 0 {
		rate = InputSampleRate
	}
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = 1024
	}
	ctx, cancel := context.WithCancel(ctx)
	rs := &readerStream{
		rate:     rate,
		channels: ch,
		out:      make(chan []float32, 8),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if s.CloseInput {
		if c, ok := s.R.(io.Closer); ok {
			rs.closer = c
		}
	}
	go rs.run(ctx, s.R, chunk, s.Clock)
	return rs, nil
}

type readerStream struct {
	rate     int
	channels int
	out      chan []float32
	cancel   context.CancelFunc
	closer   io.Closer
	done     chan struct{}
	once     sync.Once
}

func (rs *readerStream) run(ctx context.Context, r io.Reader, chunk int, clk clock.Clock) {
	defer close(rs.done)
	defer close(rs.out)

	var ticker *clock.Ticker
	if clk != nil {
		period := time.Duration(chunk) * time.Second / time.Duration(rs.rate)
		ticker = clk.Ticker(period)
		defer ticker.Stop()
	}

	buf := make([]byte, chunk*rs.channels*2)
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			samples := make([]float32, n/2)
			for i := range samples {
				samples[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
			}
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
			select {
			case rs.out <- samples:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (rs *readerStream) Samples() <-chan []float32 { return rs.out }
func (rs *readerStream) SampleRate() int           { return rs.rate }
func (rs *readerStream) Channels() int             { return rs.channels }

func (rs *readerStream) Close() error {
	var err error
	rs.once.Do(func() {
		rs.cancel()
		if rs.closer != nil {
			err = rs.closer.Close()
		}
	})
	return err
}

// PushSource is a Source fed externally, one chunk at a time. The websocket
// bridge uses it to forward browser microphone samples. A browser that refused
// microphone access is reported through Deny, and a later grant through Allow.
type PushSource struct {
	rate     int
	channels int

	mu     sync.Mutex
	denied error
	out    chan []float32
	closed bool
}

var _ Source = (*PushSource)(nil)

// NewPushSource returns a PushSource delivering samples at rate Hz with the
// given channel count.
func NewPushSource(rate, channels int) *PushSource {
	if channels <= 0 {
		channels = 1
	}
	return &PushSource{rate: rate, channels: channels}
}

// Deny marks the source as refused. Subsequent Open calls fail with an error
// wrapping [ErrPermissionDenied]; an open stream is closed.
func (p *PushSource) Deny(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied = fmt.Errorf("%w: %s", ErrPermissionDenied, reason)
	p.closeLocked()
}

// Allow lifts an earlier Deny, for a browser whose user granted access
// after refusing it. Streams closed by the denial stay closed.
func (p *PushSource) Allow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied = nil
}

// Open returns a stream backed by this source. Only one stream may be open at
// a time.
func (p *PushSource) Open(_ context.Context) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied != nil {
		return nil, p.denied
	}
	if p.out != nil && !p.closed {
		return nil, errors.New("audio: push source already open")
	}
	p.out = make(chan []float32, 32)
	p.closed = false
	return &pushStream{src: p, out: p.out}, nil
}

// Push delivers samples to the open stream. It never blocks: when the consumer
// falls behind the chunk is dropped and Push reports false. Pushing before
// Open or after Close is a no-op.
func (p *PushSource) Push(samples []float32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil || p.closed {
		return false
	}
	select {
	case p.out <- samples:
		return true
	default:
		return false
	}
}

func (p *PushSource) closeLocked() {
	if p.out != nil && !p.closed {
		p.closed = true
		close(p.out)
	}
}

type pushStream struct {
	src *PushSource
	out chan []float32
}

func (s *pushStream) Samples() <-chan []float32 { return s.out }
func (s *pushStream) SampleRate() int           { return s.src.rate }
func (s *pushStream) Channels() int             { return s.src.channels }

func (s *pushStream) Close() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if s.src.out == s.out {
		s.src.closeLocked()
	}
	return nil
}
