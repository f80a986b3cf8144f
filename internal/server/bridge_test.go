package server_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/server"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/internal/trigger"
	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/live"
	livemock "github.com/MrWong99/jaga/pkg/live/mock"
)

// connProvider hands out a new ready connection on every Connect.
type connProvider struct {
	mu    sync.Mutex
	conns []*livemock.Conn
}

func (p *connProvider) Connect(_ context.Context, _ live.Config) (live.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := livemock.NewConn()
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *connProvider) last() *livemock.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// wireMessage mirrors the server's JSON frames.
type wireMessage struct {
	Type     string        `json:"type"`
	Mode     string        `json:"mode"`
	Trigger  string        `json:"trigger"`
	Session  string        `json:"session"`
	HUD      *hud.Snapshot `json:"hud"`
	Voice    uint64        `json:"voice"`
	AtMillis float64       `json:"at_ms"`
	Data     string        `json:"data"`
	Message  string        `json:"message"`
}

type bridgeFixture struct {
	prov *connProvider
	mgr  *session.Manager
	ws   *websocket.Conn
}

func newBridge(t *testing.T) *bridgeFixture {
	t.Helper()
	prov := &connProvider{}
	f := newBridgeWith(t, prov)
	f.prov = prov
	return f
}

func newBridgeWith(t *testing.T, prov live.Provider) *bridgeFixture {
	t.Helper()
	mgr := session.NewManager(prov, session.Config{})
	srv := server.New(mgr)
	ts := httptest.NewServer(srv.Handler())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = ws.Close()
		_ = mgr.CloseAll(context.Background())
		ts.Close()
	})

	f := &bridgeFixture{mgr: mgr, ws: ws}
	f.expect(t, "initial standby", func(m wireMessage) bool {
		return m.Type == "mode" && m.Mode == string(trigger.ModeStandby)
	})
	return f
}

func (f *bridgeFixture) write(t *testing.T, v any) {
	t.Helper()
	if err := f.ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads messages until one matches.
func (f *bridgeFixture) expect(t *testing.T, what string, match func(wireMessage) bool) wireMessage {
	t.Helper()
	_ = f.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := f.ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var m wireMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(m) {
			return m
		}
	}
}

func hudStatus(st hud.Status) func(wireMessage) bool {
	return func(m wireMessage) bool { return m.Type == "hud" && m.HUD != nil && m.HUD.Status == st }
}

func TestBridge_WakePhraseStartsGuardian(t *testing.T) {
	t.Parallel()

	f := newBridge(t)

	f.write(t, map[string]string{"type": "transcript", "text": "what a lovely day"})
	f.write(t, map[string]string{"type": "transcript", "text": "oh no I crashed"})

	m := f.expect(t, "guardian mode", func(m wireMessage) bool { return m.Type == "mode" })
	if m.Mode != string(trigger.ModeGuardian) || m.Trigger != "i crashed" {
		t.Fatalf("mode message = %+v, want GUARDIAN via \"i crashed\"", m)
	}
	if m.Session == "" {
		t.Error("mode message carries no session ID")
	}
	if got := f.mgr.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}

	f.write(t, map[string]string{"type": "stop"})
	f.expect(t, "standby mode", func(m wireMessage) bool {
		return m.Type == "mode" && m.Mode == string(trigger.ModeStandby)
	})
	if got := f.mgr.Active(); got != 0 {
		t.Errorf("Active() after stop = %d, want 0", got)
	}
}

func TestBridge_ForwardsModelAudioAndHUD(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "start"})
	f.expect(t, "guardian mode", func(m wireMessage) bool { return m.Type == "mode" })

	conn := f.prov.last()
	if conn == nil {
		t.Fatal("no live connection")
	}
	b := audio.EncodeBlock(make([]float32, 2400), audio.OutputSampleRate)
	conn.Emit(live.AudioChunk{Data: b.Data, MIMEType: b.MIMEType})
	conn.Emit(live.TranscriptDelta{Role: live.RoleModel, Text: "Stay calm."})

	play := f.expect(t, "play message", func(m wireMessage) bool { return m.Type == "play" })
	if play.Voice != 1 || play.Data == "" {
		t.Errorf("play message = %+v", play)
	}
	f.expect(t, "subtitle", func(m wireMessage) bool {
		return m.Type == "hud" && m.HUD != nil && m.HUD.Subtitles.Model == "Stay calm."
	})
}

func TestBridge_MicrophoneAudioReachesModel(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "start"})
	f.expect(t, "guardian mode", func(m wireMessage) bool { return m.Type == "mode" })

	chunk := audio.Encode(audio.FloatToPCM16(make([]float32, audio.DefaultBlockSize)))
	f.write(t, map[string]any{"type": "audio", "data": chunk, "rate": audio.InputSampleRate})

	conn := f.prov.last()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range conn.Sent() {
			if _, ok := m.(live.AudioInput); ok {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("microphone audio never reached the model")
}

func TestBridge_MicrophoneDenied(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "mic_denied", "reason": "NotAllowedError"})
	f.write(t, map[string]string{"type": "start"})

	f.expect(t, "permission denied status", hudStatus(hud.StatusPermissionDenied))
	f.expect(t, "error message", func(m wireMessage) bool { return m.Type == "error" })
	if got := f.prov.last(); got != nil {
		t.Error("connected to the model despite a refused microphone")
	}
}

func TestBridge_MicrophoneGrantedAfterDenial(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "mic_denied", "reason": "NotAllowedError"})
	f.write(t, map[string]string{"type": "start"})
	f.expect(t, "permission denied status", hudStatus(hud.StatusPermissionDenied))
	f.expect(t, "error message", func(m wireMessage) bool { return m.Type == "error" })

	blob := audio.EncodeBlock(make([]float32, 160), audio.InputSampleRate)
	f.write(t, map[string]any{"type": "audio", "data": blob.Data, "rate": audio.InputSampleRate})
	f.write(t, map[string]string{"type": "start"})
	f.expect(t, "guardian mode", func(m wireMessage) bool {
		return m.Type == "mode" && m.Mode == string(trigger.ModeGuardian)
	})
	if f.prov.last() == nil {
		t.Error("no model connection after the microphone was granted")
	}
}

// stallProvider blocks Connect until its context is cancelled.
type stallProvider struct {
	once      sync.Once
	entered   chan struct{}
	cancelled chan struct{}
}

func (p *stallProvider) Connect(ctx context.Context, _ live.Config) (live.Conn, error) {
	p.once.Do(func() { close(p.entered) })
	<-ctx.Done()
	close(p.cancelled)
	return nil, ctx.Err()
}

func TestBridge_StopWhileConnecting(t *testing.T) {
	t.Parallel()

	prov := &stallProvider{entered: make(chan struct{}), cancelled: make(chan struct{})}
	f := newBridgeWith(t, prov)
	f.write(t, map[string]string{"type": "start"})
	select {
	case <-prov.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("session never started connecting")
	}

	f.write(t, map[string]string{"type": "stop"})
	f.expect(t, "standby after stop", func(m wireMessage) bool {
		return m.Type == "mode" && m.Mode == string(trigger.ModeStandby)
	})
	select {
	case <-prov.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("pending connect was not cancelled by stop")
	}
	deadline := time.Now().Add(3 * time.Second)
	for f.mgr.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.mgr.Active(); n != 0 {
		t.Errorf("active sessions after stop = %d, want 0", n)
	}
}

func TestBridge_ReconnectAfterServerHangUp(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "start"})
	first := f.expect(t, "guardian mode", func(m wireMessage) bool { return m.Type == "mode" })

	_ = f.prov.last().Close()
	f.expect(t, "reconnect status", hudStatus(hud.StatusReconnect))

	f.write(t, map[string]string{"type": "reconnect"})
	again := f.expect(t, "guardian mode again", func(m wireMessage) bool { return m.Type == "mode" })
	if again.Session != first.Session {
		t.Errorf("session after reconnect = %q, want %q", again.Session, first.Session)
	}
	f.prov.mu.Lock()
	n := len(f.prov.conns)
	f.prov.mu.Unlock()
	if n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestBridge_UnknownMessage(t *testing.T) {
	t.Parallel()

	f := newBridge(t)
	f.write(t, map[string]string{"type": "teleport"})
	m := f.expect(t, "error", func(m wireMessage) bool { return m.Type == "error" })
	if !strings.Contains(m.Message, "teleport") {
		t.Errorf("error message = %q", m.Message)
	}
}
