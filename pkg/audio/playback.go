package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned by [Scheduler.Enqueue] after Close.
var ErrSchedulerClosed = errors.New("audio: scheduler closed")

// Output is an audio sink with its own monotonic clock. Times are measured
// from an arbitrary epoch fixed for the lifetime of the Output.
type Output interface {
	// CurrentTime returns the output clock's current position.
	CurrentTime() time.Duration

	// Start arranges for buf to begin playing at the absolute output time at.
	// A time in the past starts immediately.
	Start(buf Buffer, at time.Duration) (Voice, error)
}

// Voice is a single scheduled buffer on an [Output].
type Voice interface {
	// Stop cancels the voice whether it has started or not. Stop is
	// idempotent.
	Stop()

	// Done is closed once the voice has finished playing or was stopped.
	Done() <-chan struct{}
}

// Scheduler places decoded model audio on an [Output] back-to-back, without
// gaps or overlaps, and cuts everything off when the model is interrupted.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu       sync.Mutex
	nextFree time.Duration
	voices   map[uint64]Voice
	seq      uint64
	closed   bool
}

// NewScheduler returns a Scheduler playing on out.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		voices: make(map[uint64]Voice),
	}
}

// Enqueue schedules buf to start at max(NextFreeTime, out.CurrentTime()) and
// advances NextFreeTime by the buffer duration. It returns the start time. An
// empty buffer is accepted and schedules nothing.
func (s *Scheduler) Enqueue(buf Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSchedulerClosed
	}
	start := max(s.nextFree, s.out.CurrentTime())
	if len(buf.Samples) == 0 {
		return start, nil
	}

	v, err := s.out.Start(buf, start)
	if err != nil {
		return 0, fmt.Errorf("audio: schedule buffer: %w", err)
	}
	s.nextFree = start + buf.Duration()

	s.seq++
	id := s.seq
	s.voices[id] = v
	go s.reap(id, v)
	return start, nil
}

// reap removes a voice from the active set once it finishes.
func (s *Scheduler) reap(id uint64, v Voice) {
	<-v.Done()
	s.mu.Lock()
	if cur, ok := s.voices[id]; ok && cur == v {
		delete(s.voices, id)
	}
	s.mu.Unlock()
}

// Interrupt stops every scheduled voice, clears the active set and resets
// NextFreeTime to zero so that the next buffer starts immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for _, v := range s.voices {
		v.Stop()
	}
	s.voices = make(map[uint64]Voice)
	s.nextFree = 0
}

// NextFreeTime returns the output time at which the next buffer would start
// if the output clock has not passed it.
func (s *Scheduler) NextFreeTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}

// Active returns the number of voices scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

// Close stops all playback. Further Enqueue calls fail with
// [ErrSchedulerClosed]. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.interruptLocked()
	return nil
}
