// Package device provides an [audio.Output] that plays scheduled buffers in
// real (or mocked) time by writing their PCM to an io.Writer. Pipe the output
// into `aplay -f S16_LE -r 24000` to hear it.
package device

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Virtual)(nil)

// Virtual is an output device driven by a clock. At a voice's scheduled start
// it writes the buffer as little-endian PCM16 to W; the voice is done once the
// buffer's duration has elapsed.
//
// Writes to W are serialised.
type Virtual struct {
	clk   clock.Clock
	epoch time.Time

	mu sync.Mutex
	w  io.Writer
}

// NewVirtual returns a Virtual device writing to w. A nil clk uses the wall
// clock. The output clock starts at zero now.
func NewVirtual(clk clock.Clock, w io.Writer) *Virtual {
	if clk == nil {
		clk = clock.New()
	}
	if w == nil {
		w = io.Discard
	}
	return &Virtual{clk: clk, epoch: clk.Now(), w: w}
}

// CurrentTime implements [audio.Output].
func (d *Virtual) CurrentTime() time.Duration {
	return d.clk.Since(d.epoch)
}

// Start implements [audio.Output].
func (d *Virtual) Start(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("device: invalid sample rate %d", buf.SampleRate)
	}
	v := &voice{done: make(chan struct{})}
	pcm := audio.FloatToPCM16(buf.Samples)
	dur := buf.Duration()

	begin := func() {
		v.mu.Lock()
		if v.stopped {
			v.mu.Unlock()
			return
		}
		if dur > 0 {
			v.endTimer = d.clk.AfterFunc(dur, v.finish)
		}
		v.mu.Unlock()

		d.mu.Lock()
		_, _ = d.w.Write(pcm)
		d.mu.Unlock()
		if dur <= 0 {
			v.finish()
		}
	}

	delay := at - d.CurrentTime()
	if delay <= 0 {
		go begin()
		return v, nil
	}
	v.mu.Lock()
	v.startTimer = d.clk.AfterFunc(delay, begin)
	v.mu.Unlock()
	return v, nil
}

type voice struct {
	mu         sync.Mutex
	startTimer *clock.Timer
	endTimer   *clock.Timer
	stopped    bool
	once       sync.Once
	done       chan struct{}
}

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}

func (v *voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	if v.startTimer != nil {
		v.startTimer.Stop()
	}
	if v.endTimer != nil {
		v.endTimer.Stop()
	}
	v.mu.Unlock()
	v.finish()
}

func (v *voice) Done() <-chan struct{} { return v.done }
