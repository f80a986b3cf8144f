package live_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/live"
	"github.com/MrWong99/jaga/pkg/live/mock"
	"github.com/MrWong99/jaga/pkg/vision"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func fastRetry() live.RetryPolicy {
	return live.RetryPolicy{Base: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3}
}

func recvEvent(t *testing.T, ch <-chan live.Event) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestChannel_ConnectOpens(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	ch := live.NewChannel(p, live.Config{Voice: "Zephyr"})
	defer ch.Close()

	var mu sync.Mutex
	var states []live.State
	ch.OnStateChange(func(s live.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if got := ch.State(); got != live.StateConnecting {
		t.Fatalf("initial state: got %v, want CONNECTING", got)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := ch.State(); got != live.StateOpen {
		t.Fatalf("state: got %v, want OPEN", got)
	}
	if p.ConnectCalls[0].Cfg.Voice != "Zephyr" {
		t.Errorf("config not passed to provider: %+v", p.ConnectCalls[0].Cfg)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != live.StateOpen {
		t.Errorf("state hooks: got %v, want [OPEN]", states)
	}
}

func TestChannel_QueuesWhileConnecting(t *testing.T) {
	t.Parallel()

	conn := mock.NewPendingConn()
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{})
	defer ch.Close()

	ctx := context.Background()
	if err := ch.SendText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	blob := audio.EncodeBlock([]float32{0.5}, audio.InputSampleRate)
	if err := ch.SendAudio(ctx, blob); err != nil {
		t.Fatal(err)
	}

	connected := make(chan error, 1)
	go func() { connected <- ch.Connect(ctx) }()

	// Still connecting: nothing reaches the transport.
	time.Sleep(10 * time.Millisecond)
	if n := len(conn.Sent()); n != 0 {
		t.Fatalf("sent %d messages before setup completed", n)
	}

	conn.MarkReady()
	if err := <-connected; err != nil {
		t.Fatal(err)
	}
	if err := ch.SendText(ctx, "after"); err != nil {
		t.Fatal(err)
	}

	sent := conn.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent: got %d messages, want 3", len(sent))
	}
	if m, ok := sent[0].(live.TextInput); !ok || m.Text != "hello" {
		t.Errorf("sent[0]: got %#v", sent[0])
	}
	if m, ok := sent[1].(live.AudioInput); !ok || m.Blob != blob {
		t.Errorf("sent[1]: got %#v", sent[1])
	}
	if m, ok := sent[2].(live.TextInput); !ok || m.Text != "after" {
		t.Errorf("sent[2]: got %#v", sent[2])
	}
}

func TestChannel_PendingLimitDropsOldest(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{}, live.WithPendingLimit(2))
	defer ch.Close()

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		if err := ch.SendText(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sent := conn.Sent()
	if len(sent) != 2 || sent[0].(live.TextInput).Text != "b" || sent[1].(live.TextInput).Text != "c" {
		t.Errorf("sent: got %#v, want [b c]", sent)
	}
}

func TestChannel_EventsInArrivalOrder(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{})
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []live.Event{
		live.TranscriptDelta{Role: live.RoleUser, Text: "hi"},
		live.AudioChunk{Data: "AAA=", MIMEType: "audio/pcm;rate=24000"},
		live.ToolCallRequest{ID: "c1", Name: "draw_ar_marker"},
		live.TurnComplete{},
	}
	for _, ev := range want {
		conn.Emit(ev)
	}
	for i, w := range want {
		got := recvEvent(t, ch.Events())
		if fmt.Sprintf("%#v", got) != fmt.Sprintf("%#v", w) {
			t.Errorf("event %d: got %#v, want %#v", i, got, w)
		}
	}
}

func TestChannel_Close(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if got := ch.State(); got != live.StateClosed {
		t.Errorf("state: got %v, want CLOSED", got)
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("events channel not closed")
	}
	if err := ch.SendText(context.Background(), "x"); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendText after Close: want ErrSessionClosed, got %v", err)
	}
	if err := ch.SendImage(vision.Frame{Data: []byte{1}}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendImage after Close: want ErrSessionClosed, got %v", err)
	}
	if n := conn.CloseCount(); n != 1 {
		t.Errorf("transport closes: got %d, want 1", n)
	}
	if ch.Err() != nil {
		t.Errorf("Err after clean close: %v", ch.Err())
	}
}

func TestChannel_CloseBeforeConnect(t *testing.T) {
	t.Parallel()

	ch := live.NewChannel(&mock.Provider{}, live.Config{})
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("events channel not closed")
	}
	if err := ch.Connect(context.Background()); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("Connect after Close: want ErrSessionClosed, got %v", err)
	}
}

func TestChannel_TransportFailure(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{})
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.Fail(errors.New("connection reset"))
	for range ch.Events() {
	}
	if got := ch.State(); got != live.StateErrored {
		t.Fatalf("state: got %v, want ERRORED", got)
	}
	if !errors.Is(ch.Err(), live.ErrSessionErrored) {
		t.Errorf("Err: want ErrSessionErrored, got %v", ch.Err())
	}
	if err := ch.SendText(context.Background(), "x"); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendText after failure: want ErrSessionClosed, got %v", err)
	}
}

func TestChannel_ConnectRetriesRateLimit(t *testing.T) {
	t.Parallel()

	rl := fmt.Errorf("dial: %w", live.ErrRateLimited)
	p := &mock.Provider{ConnectErrs: []error{rl, rl}}
	var retries atomic.Int32
	ch := live.NewChannel(p, live.Config{},
		live.WithRetryPolicy(fastRetry()),
		live.WithRetryHandler(func(int, time.Duration) { retries.Add(1) }),
	)
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := p.CallCount(); n != 3 {
		t.Errorf("connect attempts: got %d, want 3", n)
	}
	if n := retries.Load(); n != 2 {
		t.Errorf("retry callbacks: got %d, want 2", n)
	}
}

func TestChannel_ConnectRetriesExhausted(t *testing.T) {
	t.Parallel()

	rl := fmt.Errorf("dial: %w", live.ErrRateLimited)
	p := &mock.Provider{ConnectErrs: []error{rl, rl, rl}}
	ch := live.NewChannel(p, live.Config{}, live.WithRetryPolicy(fastRetry()))
	defer ch.Close()

	err := ch.Connect(context.Background())
	if !errors.Is(err, live.ErrSessionDegraded) {
		t.Fatalf("want ErrSessionDegraded, got %v", err)
	}
	if got := ch.State(); got != live.StateErrored {
		t.Errorf("state: got %v, want ERRORED", got)
	}
}

func TestChannel_ConnectOtherErrorNotRetried(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{ConnectErrs: []error{errors.New("unauthorized")}}
	ch := live.NewChannel(p, live.Config{}, live.WithRetryPolicy(fastRetry()))
	defer ch.Close()

	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("want error")
	}
	if n := p.CallCount(); n != 1 {
		t.Errorf("connect attempts: got %d, want 1", n)
	}
}

func TestChannel_OneImageInFlight(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	conn := mock.NewConn()

	release := make(chan struct{}, 8)
	var inflight, maxInflight atomic.Int32
	var images atomic.Int32
	conn.SendFunc = func(ctx context.Context, msg live.ClientMessage) error {
		if _, ok := msg.(live.ImageInput); !ok {
			return nil
		}
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		images.Add(1)
		defer inflight.Add(-1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{},
		live.WithChannelClock(clk),
		live.WithVisionThrottle(2*time.Second, 10*time.Second),
	)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	frame := func(b byte) vision.Frame { return vision.Frame{Data: []byte{b}, MIMEType: vision.JPEGMIMEType} }

	if err := ch.SendImage(frame(1)); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return images.Load() == 1 })

	// Two more frames while the first request is in flight: only the latest
	// survives.
	_ = ch.SendImage(frame(2))
	_ = ch.SendImage(frame(3))
	if got := ch.Stats().ImagesDropped; got != 1 {
		t.Errorf("dropped: got %d, want 1", got)
	}

	release <- struct{}{}
	waitUntil(t, func() bool { return ch.Stats().ImagesSent == 1 })

	// The next request waits for the minimum gap on the channel clock.
	time.Sleep(10 * time.Millisecond)
	if got := images.Load(); got != 1 {
		t.Fatalf("second image sent before min gap elapsed (%d requests)", got)
	}
	waitUntil(t, func() bool {
		clk.Add(250 * time.Millisecond)
		return images.Load() == 2
	})
	release <- struct{}{}
	waitUntil(t, func() bool { return ch.Stats().ImagesSent == 2 })

	if got := maxInflight.Load(); got != 1 {
		t.Errorf("max in-flight image requests: got %d, want 1", got)
	}
	var sentImages []byte
	for _, m := range conn.Sent() {
		if img, ok := m.(live.ImageInput); ok {
			sentImages = append(sentImages, img.Frame.Data[0])
		}
	}
	if len(sentImages) != 2 || sentImages[0] != 1 || sentImages[1] != 3 {
		t.Errorf("sent frames: got %v, want [1 3]", sentImages)
	}
}

func TestChannel_AudioAndAcksBypassInFlightImage(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	imageStarted := make(chan struct{})
	releaseImage := make(chan struct{})
	conn.SendFunc = func(ctx context.Context, msg live.ClientMessage) error {
		if _, ok := msg.(live.ImageInput); !ok {
			return nil
		}
		close(imageStarted)
		select {
		case <-releaseImage:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{})
	defer ch.Close()
	defer close(releaseImage)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = ch.SendImage(vision.Frame{Data: []byte{1}})
	select {
	case <-imageStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("image request never started")
	}

	done := make(chan error, 2)
	go func() {
		done <- ch.SendAudio(context.Background(), audio.EncodeBlock([]float32{0.1, -0.1}, 16000))
	}()
	go func() {
		done <- ch.SendToolResponse(context.Background(), live.ToolResponse{ID: "c1", Name: "draw_ar_marker"})
	}()
	for range 2 {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("send: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("audio or tool ack blocked behind an in-flight image request")
		}
	}
	if got := ch.Stats().ImagesSent; got != 0 {
		t.Errorf("images sent: got %d, want 0 while the request is in flight", got)
	}
}

func TestChannel_ImageRateLimitRetried(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	var calls atomic.Int32
	conn.SendFunc = func(_ context.Context, msg live.ClientMessage) error {
		if _, ok := msg.(live.ImageInput); ok && calls.Add(1) == 1 {
			return fmt.Errorf("write: %w", live.ErrRateLimited)
		}
		return nil
	}
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{}, live.WithRetryPolicy(fastRetry()))
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = ch.SendImage(vision.Frame{Data: []byte{1}})
	waitUntil(t, func() bool { return ch.Stats().ImagesSent == 1 })
	if got := calls.Load(); got != 2 {
		t.Errorf("image attempts: got %d, want 2", got)
	}
}

func TestChannel_ImageRetriesExhausted(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	conn.SendFunc = func(_ context.Context, msg live.ClientMessage) error {
		if _, ok := msg.(live.ImageInput); ok {
			return live.ErrRateLimited
		}
		return nil
	}
	errs := make(chan error, 1)
	ch := live.NewChannel(&mock.Provider{Conn: conn}, live.Config{},
		live.WithRetryPolicy(fastRetry()),
		live.WithErrorHandler(func(err error) { errs <- err }),
	)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = ch.SendImage(vision.Frame{Data: []byte{1}})
	select {
	case err := <-errs:
		if !errors.Is(err, live.ErrSessionDegraded) {
			t.Errorf("want ErrSessionDegraded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	if got := ch.State(); got != live.StateOpen {
		t.Errorf("degraded session should stay open, got %v", got)
	}
	if got := ch.Stats().ImagesFailed; got != 1 {
		t.Errorf("failed: got %d, want 1", got)
	}
}
