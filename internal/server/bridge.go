package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/internal/trigger"
	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/vision"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = pongWait * 9 / 10
	maxMessageSize = 4 << 20
	outboxSize     = 256
)

// errClientGone is returned by send once the websocket has gone away.
var errClientGone = errors.New("server: bridge client gone")

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		slog.Debug("server: websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		srv:    s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan []byte, outboxSize),
		mode:   trigger.ModeStandby,
		norm:   audio.Normaliser{TargetRate: audio.InputSampleRate},
	}

	s.metrics.BridgeClients.Add(ctx, 1)
	defer s.metrics.BridgeClients.Add(context.WithoutCancel(ctx), -1)

	slog.Info("bridge client connected", "remote", r.RemoteAddr)
	c.run()
	slog.Info("bridge client disconnected", "remote", r.RemoteAddr)
}

// client is one connected browser HUD. It owns at most one Guardian session
// at a time; the session's media are created on first use and reused across
// restarts.
type client struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	outbox chan []byte

	// norm is only used by the read goroutine.
	norm audio.Normaliser

	// starts tracks sessions being connected off the read loop.
	starts sync.WaitGroup

	mu     sync.Mutex
	mode   trigger.Mode
	sess   *session.Session
	src    *audio.PushSource
	cam    *vision.PushCamera
	out    *RemoteOutput
	denied string
	// abortStart cancels the connect in progress; nil when none is.
	abortStart context.CancelFunc
}

func (c *client) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	_ = c.send(serverMessage{Type: msgMode, Mode: trigger.ModeStandby})
	if err := c.readLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("server: bridge read", "err", err)
	}

	c.stopSession()
	c.cancel()
	c.starts.Wait()
	wg.Wait()
	_ = c.ws.Close()
}

// send queues msg for the browser. It blocks while the outbox is full.
func (c *client) send(msg serverMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: encode %s message: %w", msg.Type, err)
	}
	select {
	case c.outbox <- b:
		return nil
	case <-c.ctx.Done():
		return errClientGone
	}
}

func (c *client) sendError(msg string) {
	_ = c.send(serverMessage{Type: msgError, Message: msg})
}

func (c *client) sendHUD(snap hud.Snapshot) {
	_ = c.send(serverMessage{Type: msgHUD, HUD: &snap})
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			// Unblock the reader.
			_ = c.ws.SetReadDeadline(time.Now())
			return
		case b := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Debug("server: bridge write", "err", err)
				c.cancel()
				_ = c.ws.SetReadDeadline(time.Now())
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				_ = c.ws.SetReadDeadline(time.Now())
				return
			}
		}
	}
}

func (c *client) readLoop() error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := decodeClientMessage(data)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMessage) {
	switch msg.Type {
	case msgAudio:
		c.pushAudio(msg)
	case msgFrame:
		c.pushFrame(msg)
	case msgMicDenied:
		c.micDenied(msg.Reason)
	case msgTranscript:
		c.standbyTranscript(msg.Text)
	case msgText:
		c.sendText(msg.Text)
	case msgStart:
		c.startGuardian("")
	case msgStop:
		c.stopSession()
		_ = c.send(serverMessage{Type: msgMode, Mode: trigger.ModeStandby})
	case msgReconnect:
		c.reconnect()
	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *client) pushAudio(msg clientMessage) {
	c.mu.Lock()
	src := c.src
	if c.denied != "" {
		// Audio is flowing, so the browser was granted the microphone after all.
		slog.Info("server: microphone audio after a denial, allowing it")
		c.denied = ""
		if src != nil {
			src.Allow()
		}
	}
	c.mu.Unlock()
	if src == nil {
		return
	}
	pcm, err := audio.Decode(msg.Data)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	rate := msg.Rate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	buf, err := audio.PCM16ToFloat(pcm, rate)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	channels := max(msg.Channels, 1)
	if !src.Push(c.norm.Normalise(buf.Samples, rate, channels)) {
		slog.Debug("server: microphone chunk dropped")
	}
}

func (c *client) pushFrame(msg clientMessage) {
	c.mu.Lock()
	cam := c.cam
	c.mu.Unlock()
	if cam == nil {
		return
	}
	jpeg, err := audio.Decode(msg.Data)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	cam.Push(jpeg)
}

func (c *client) micDenied(reason string) {
	if reason == "" {
		reason = "microphone access refused"
	}
	c.mu.Lock()
	c.denied = reason
	src := c.src
	c.mu.Unlock()
	if src != nil {
		src.Deny(reason)
	}
}

// standbyTranscript switches to guardian mode when a wake phrase is heard.
// Transcripts are ignored while a session runs.
func (c *client) standbyTranscript(text string) {
	c.mu.Lock()
	standby := c.mode == trigger.ModeStandby
	c.mu.Unlock()
	if !standby {
		return
	}
	m, ok := c.srv.triggers.Load().Detect(text)
	if !ok {
		return
	}
	slog.Info("wake phrase detected", "phrase", m.Phrase, "heard", m.Heard, "score", m.Score)
	c.startGuardian(m.Phrase)
}

func (c *client) sendText(text string) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		c.sendError("no active guardian session")
		return
	}
	if err := s.SendText(c.ctx, text); err != nil {
		c.sendError(err.Error())
	}
}

// mediaLocked creates the bridge media on first use.
func (c *client) mediaLocked() session.Media {
	if c.src == nil {
		c.src = audio.NewPushSource(audio.InputSampleRate, 1)
		c.cam = vision.NewPushCamera()
		c.out = NewRemoteOutput(c.srv.clk, c.send)
		if c.denied != "" {
			c.src.Deny(c.denied)
		}
	}
	return session.Media{Source: c.src, Camera: c.cam, Output: c.out}
}

func (c *client) startGuardian(phrase string) {
	c.mu.Lock()
	if c.sess != nil || c.abortStart != nil {
		c.mu.Unlock()
		return
	}
	media := c.mediaLocked()
	c.mu.Unlock()

	c.launch(phrase, func(ctx context.Context) (*session.Session, error) {
		return c.srv.sessions.Start(ctx, media, c.sendHUD)
	})
}

func (c *client) reconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		c.startGuardian("")
		return
	}
	c.launch("", func(ctx context.Context) (*session.Session, error) {
		return c.srv.sessions.Restart(ctx, s.ID())
	})
}

// launch runs start on its own goroutine so that stop and mic_denied frames
// are still read while the model handshake is in progress. At most one
// launch runs at a time; stopSession cancels it.
func (c *client) launch(phrase string, start func(context.Context) (*session.Session, error)) {
	c.mu.Lock()
	if c.abortStart != nil {
		c.mu.Unlock()
		c.sendError("a guardian session is already starting")
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.abortStart = cancel
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()

	c.starts.Add(1)
	go func() {
		defer c.starts.Done()
		defer cancel()

		s, err := start(ctx)

		c.mu.Lock()
		c.abortStart = nil
		aborted := ctx.Err() != nil
		if err == nil && !aborted {
			c.sess = s
			c.mode = trigger.ModeGuardian
		}
		c.mu.Unlock()

		switch {
		case aborted:
			if err == nil {
				_ = s.Close()
			}
		case err != nil:
			slog.Warn("server: start guardian", "restart", prev != nil, "err", err)
			if s != nil {
				c.sendHUD(s.Snapshot())
			}
			c.sendError(err.Error())
			if prev != nil {
				c.mu.Lock()
				c.mode = trigger.ModeStandby
				c.mu.Unlock()
				_ = c.send(serverMessage{Type: msgMode, Mode: trigger.ModeStandby})
			}
		default:
			_ = c.send(serverMessage{Type: msgMode, Mode: trigger.ModeGuardian, Trigger: phrase, Session: s.ID()})
		}
	}()
}

func (c *client) stopSession() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mode = trigger.ModeStandby
	if c.abortStart != nil {
		c.abortStart()
	}
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		slog.Warn("server: stop guardian", "session_id", s.ID(), "err", err)
	}
}
