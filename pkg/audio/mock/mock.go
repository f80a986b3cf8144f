// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Rate: 16000}
//	capture := audio.NewCapture(src, onBlock)
//	_ = capture.Start(ctx)
//	src.Push(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/jaga/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Samples passed to Push
// are delivered on the most recently opened stream.
type Source struct {
	mu sync.Mutex

	// Rate is reported by opened streams. Defaults to 16000 if zero.
	Rate int

	// Channels is reported by opened streams. Defaults to 1 if zero.
	Channels int

	// OpenErr is returned by [Source.Open] when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times a stream was closed.
	CallCountClose int

	stream *stream
}

var _ audio.Source = (*Source)(nil)

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	rate := s.Rate
	if rate == 0 {
		rate = audio.InputSampleRate
	}
	ch := s.Channels
	if ch == 0 {
		ch = 1
	}
	s.stream = &stream{src: s, rate: rate, channels: ch, out: make(chan []float32, 64)}
	return s.stream, nil
}

// Push delivers samples to the open stream. It blocks if the stream buffer is
// full and returns false if no stream is open.
func (s *Source) Push(samples []float32) bool {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return false
	}
	return st.push(samples)
}

// End closes the open stream's sample channel, as if the device was unplugged.
func (s *Source) End() {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.end()
	}
}

type stream struct {
	src      *Source
	rate     int
	channels int

	mu     sync.Mutex
	out    chan []float32
	closed bool
}

func (st *stream) push(samples []float32) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.out <- samples
	return true
}

func (st *stream) end() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.out)
	}
}

func (st *stream) Samples() <-chan []float32 { return st.out }
func (st *stream) SampleRate() int           { return st.rate }
func (st *stream) Channels() int             { return st.channels }

func (st *stream) Close() error {
	st.src.mu.Lock()
	st.src.CallCountClose++
	st.src.mu.Unlock()
	st.end()
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// StartCall records a single invocation of [Output.Start].
type StartCall struct {
	Buffer audio.Buffer
	At     time.Duration
}

// Output is a mock implementation of [audio.Output] with a manually advanced
// clock. Voices never finish on their own; call [Output.FinishAll] or stop
// them.
type Output struct {
	mu sync.Mutex

	// Now is returned by [Output.CurrentTime].
	Now time.Duration

	// StartErr is returned by [Output.Start] when non-nil.
	StartErr error

	// StartCalls records every successful Start call in order.
	StartCalls []StartCall

	// Voices holds the voices returned by Start, in order.
	Voices []*Voice
}

var _ audio.Output = (*Output)(nil)

// SetNow moves the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Now = d
}

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Now
}

// Start implements [audio.Output].
func (o *Output) Start(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	v := &Voice{Start: at, End: at + buf.Duration(), done: make(chan struct{})}
	o.StartCalls = append(o.StartCalls, StartCall{Buffer: buf, At: at})
	o.Voices = append(o.Voices, v)
	return v, nil
}

// Started returns a copy of StartCalls.
func (o *Output) Started() []StartCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StartCall(nil), o.StartCalls...)
}

// StartedVoices returns a copy of Voices.
func (o *Output) StartedVoices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.Voices...)
}

// FinishAll marks every voice as done, as if playback completed.
func (o *Output) FinishAll() {
	o.mu.Lock()
	voices := append([]*Voice(nil), o.Voices...)
	o.mu.Unlock()
	for _, v := range voices {
		v.finish()
	}
}

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	// Start and End are the scheduled output times.
	Start, End time.Duration

	mu        sync.Mutex
	stopCount int
	once      sync.Once
	done      chan struct{}
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopCount++
	v.mu.Unlock()
	v.finish()
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stopped reports whether Stop was called at least once.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopCount > 0
}

func (v *Voice) finish() { v.once.Do(func() { close(v.done) }) }
