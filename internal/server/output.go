package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/pkg/audio"
)

var _ audio.Output = (*RemoteOutput)(nil)

// RemoteOutput is an [audio.Output] played by the browser. Its clock is the
// time since the output was created; the browser anchors its AudioContext to
// the first play message. Every scheduled buffer is forwarded with its start
// time and cancelled with a cancel message when the voice is stopped early.
type RemoteOutput struct {
	clk   clock.Clock
	epoch time.Time
	send  func(serverMessage) error

	mu  sync.Mutex
	seq uint64
}

// NewRemoteOutput returns a RemoteOutput forwarding through send.
func NewRemoteOutput(clk clock.Clock, send func(serverMessage) error) *RemoteOutput {
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteOutput{clk: clk, epoch: clk.Now(), send: send}
}

// CurrentTime implements [audio.Output].
func (o *RemoteOutput) CurrentTime() time.Duration { return o.clk.Since(o.epoch) }

// Start implements [audio.Output].
func (o *RemoteOutput) Start(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	o.seq++
	id := o.seq
	o.mu.Unlock()

	blob := audio.EncodeBlock(buf.Samples, buf.SampleRate)
	err := o.send(serverMessage{
		Type:     msgPlay,
		Voice:    id,
		AtMillis: float64(at) / float64(time.Millisecond),
		Data:     blob.Data,
		MIMEType: blob.MIMEType,
	})
	if err != nil {
		return nil, err
	}

	v := &remoteVoice{out: o, id: id, done: make(chan struct{})}
	remaining := max(at-o.CurrentTime(), 0) + buf.Duration()
	v.mu.Lock()
	v.timer = o.clk.AfterFunc(remaining, v.finish)
	v.mu.Unlock()
	return v, nil
}

type remoteVoice struct {
	out *RemoteOutput
	id  uint64

	mu    sync.Mutex
	timer *clock.Timer
	ended bool
	done  chan struct{}
}

func (v *remoteVoice) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ended {
		v.ended = true
		close(v.done)
	}
}

// Stop cancels the voice in the browser unless it already finished.
func (v *remoteVoice) Stop() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	if v.timer != nil {
		v.timer.Stop()
	}
	close(v.done)
	v.mu.Unlock()

	_ = v.out.send(serverMessage{Type: msgCancel, Voice: v.id})
}

func (v *remoteVoice) Done() <-chan struct{} { return v.done }
