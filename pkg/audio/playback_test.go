package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/audio/mock"
)

// seconds returns a silent 24 kHz buffer of the given length.
func seconds(d float64) audio.Buffer {
	return audio.Buffer{Samples: make([]float32, int(d*24000)), SampleRate: 24000}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := audio.NewScheduler(out)

	durations := []float64{1, 0.5, 0.25}
	var starts []time.Duration
	for _, d := range durations {
		start, err := s.Enqueue(seconds(d))
		if err != nil {
			t.Fatal(err)
		}
		starts = append(starts, start)
	}
	want := []time.Duration{0, time.Second, 1500 * time.Millisecond}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("start %d: got %v, want %v", i, starts[i], want[i])
		}
	}
	if got := s.NextFreeTime(); got != 1750*time.Millisecond {
		t.Errorf("NextFreeTime: got %v, want 1.75s", got)
	}

	// The output clock has moved past the queue: the next buffer starts now.
	out.SetNow(5 * time.Second)
	start, err := s.Enqueue(seconds(1))
	if err != nil {
		t.Fatal(err)
	}
	if start != 5*time.Second {
		t.Errorf("late start: got %v, want 5s", start)
	}

	calls := out.StartCalls
	for i := 1; i < len(calls); i++ {
		prevEnd := calls[i-1].At + calls[i-1].Buffer.Duration()
		if calls[i].At < prevEnd {
			t.Errorf("buffer %d starts at %v before previous ends at %v", i, calls[i].At, prevEnd)
		}
	}
}

func TestScheduler_InterruptResets(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := audio.NewScheduler(out)
	for range 3 {
		if _, err := s.Enqueue(seconds(1)); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Active(); got != 3 {
		t.Fatalf("Active: got %d, want 3", got)
	}

	s.Interrupt()

	for i, v := range out.Voices {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active after Interrupt: got %d, want 0", got)
	}
	if got := s.NextFreeTime(); got != 0 {
		t.Errorf("NextFreeTime after Interrupt: got %v, want 0", got)
	}

	out.SetNow(500 * time.Millisecond)
	start, err := s.Enqueue(seconds(1))
	if err != nil {
		t.Fatal(err)
	}
	if start != 500*time.Millisecond {
		t.Errorf("start after Interrupt: got %v, want 500ms", start)
	}
}

func TestScheduler_ReapsFinishedVoices(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := audio.NewScheduler(out)
	if _, err := s.Enqueue(seconds(0.1)); err != nil {
		t.Fatal(err)
	}
	out.FinishAll()
	waitUntil(t, func() bool { return s.Active() == 0 })
}

func TestScheduler_EmptyBuffer(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := audio.NewScheduler(out)
	if _, err := s.Enqueue(audio.Buffer{SampleRate: 24000}); err != nil {
		t.Fatal(err)
	}
	if len(out.StartCalls) != 0 {
		t.Errorf("Start calls: got %d, want 0", len(out.StartCalls))
	}
	if s.NextFreeTime() != 0 {
		t.Errorf("NextFreeTime advanced for empty buffer")
	}
}

func TestScheduler_StartError(t *testing.T) {
	t.Parallel()

	out := &mock.Output{StartErr: errors.New("device gone")}
	s := audio.NewScheduler(out)
	if _, err := s.Enqueue(seconds(1)); err == nil {
		t.Fatal("want error")
	}
	if s.NextFreeTime() != 0 {
		t.Error("NextFreeTime advanced on failed start")
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := audio.NewScheduler(out)
	if _, err := s.Enqueue(seconds(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !out.Voices[0].Stopped() {
		t.Error("voice not stopped on Close")
	}
	if _, err := s.Enqueue(seconds(1)); !errors.Is(err, audio.ErrSchedulerClosed) {
		t.Errorf("Enqueue after Close: want ErrSchedulerClosed, got %v", err)
	}
}
