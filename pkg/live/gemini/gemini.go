// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio and camera frames travel as base64 realtime
// input chunks; model audio, transcriptions and tool calls come back as
// [live.Event] values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Large enough for a base64 camera frame in a single server echo or error.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials Gemini Live and sends the setup message. The returned Conn
// becomes ready when the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("gemini: dial: %w: %v", live.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: connCancel,
	}

	if err := c.write(ctx, setupFrame(model, cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Wire format, client to server ─────────────────────────────────────────────

// clientMessage is the envelope of every client frame. Exactly one field is
// set per frame.
type clientMessage struct {
	Setup         *setup         `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *clientContent `json:"clientContent,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setup struct {
	Model             string      `json:"model"`
	GenerationConfig  genConfig   `json:"generationConfig"`
	SystemInstruction *content    `json:"systemInstruction,omitempty"`
	Tools             []toolGroup `json:"tools,omitempty"`
	InputTranscript   *struct{}   `json:"inputAudioTranscription,omitempty"`
	OutputTranscript  *struct{}   `json:"outputAudioTranscription,omitempty"`
}

type genConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	SpeechConfig       *speech  `json:"speechConfig,omitempty"`
}

// speech selects a prebuilt voice.
type speech struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *audio.Blob `json:"inlineData,omitempty"`
}

type toolGroup struct {
	FunctionDeclarations []declaration `json:"functionDeclarations,omitempty"`
}

type declaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      any    `json:"parametersJsonSchema,omitempty"`
}

type realtimeInput struct {
	MediaChunks []audio.Blob `json:"mediaChunks"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponse struct {
	FunctionResponses []toolResult `json:"functionResponses"`
}

type toolResult struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Wire format, server to client ─────────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	Error                *geminiError          `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// setupFrame builds the first frame of a session.
func setupFrame(model string, cfg live.Config) clientMessage {
	st := &setup{
		Model:            "models/" + model,
		GenerationConfig: genConfig{ResponseModalities: []string{"AUDIO"}},
	}
	if cfg.Instructions != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		sp := &speech{}
		sp.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		st.GenerationConfig.SpeechConfig = sp
	}
	if cfg.Transcription {
		st.InputTranscript, st.OutputTranscript = &struct{}{}, &struct{}{}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]declaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, declaration{Name: t.Name, Description: t.Description, Schema: t.Parameters})
		}
		st.Tools = []toolGroup{{FunctionDeclarations: decls}}
	}
	return clientMessage{Setup: st}
}

// write sends one client frame as a text message.
func (c *conn) write(ctx context.Context, msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: encode frame: %w", err)
	}
	return classify(c.ws.Write(ctx, websocket.MessageText, data))
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.finish()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// If the connection context was cancelled, exit cleanly.
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(classify(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one server message. It returns false when
// the connection must end.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		c.readyOnce.Do(func() { close(c.ready) })
	}
	if msg.Error != nil {
		c.setErr(serverError(msg.Error))
		return false
	}
	if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
		return false
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if !c.emit(live.ToolCallRequest{ID: fc.ID, Name: fc.Name, Args: fc.Args}) {
				return false
			}
		}
	}
	if msg.ToolCallCancellation != nil {
		if !c.emit(live.ToolCallCancellation{IDs: msg.ToolCallCancellation.IDs}) {
			return false
		}
	}
	return true
}

func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(live.TranscriptDelta{Role: live.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				if !c.emit(live.AudioChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}) {
					return false
				}
			}
			if p.Text != "" && !p.Thought {
				if !c.emit(live.TranscriptDelta{Role: live.RoleModel, Text: p.Text}) {
					return false
				}
			}
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(live.TranscriptDelta{Role: live.RoleModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.Interrupted {
		if !c.emit(live.Interrupted{}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !c.emit(live.TurnComplete{}) {
			return false
		}
	}
	return true
}

func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// finish closes the events channel and marks the connection done. Only the
// receive loop calls it.
func (c *conn) finish() {
	close(c.events)
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	if !alreadyClosed {
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "session ended")
	}
}

// ── live.Conn methods ─────────────────────────────────────────────────────────

// Send encodes msg as the matching BidiGenerateContent client message.
func (c *conn) Send(ctx context.Context, msg live.ClientMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrSessionClosed
	}
	c.mu.Unlock()

	frame, err := encode(msg)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// encode maps a client message onto the wire envelope.
func encode(msg live.ClientMessage) (clientMessage, error) {
	switch m := msg.(type) {
	case live.AudioInput:
		return clientMessage{RealtimeInput: &realtimeInput{MediaChunks: []audio.Blob{m.Blob}}}, nil
	case live.ImageInput:
		mime := m.Frame.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		chunk := audio.Blob{Data: audio.Encode(m.Frame.Data), MIMEType: mime}
		return clientMessage{RealtimeInput: &realtimeInput{MediaChunks: []audio.Blob{chunk}}}, nil
	case live.TextInput:
		turn := content{Role: "user", Parts: []part{{Text: m.Text}}}
		return clientMessage{ClientContent: &clientContent{Turns: []content{turn}, TurnComplete: true}}, nil
	case live.ToolResponses:
		results := make([]toolResult, 0, len(m.Responses))
		for _, r := range m.Responses {
			body := r.Result
			if body == nil {
				body = map[string]any{}
			}
			results = append(results, toolResult{ID: r.ID, Name: r.Name, Response: body})
		}
		return clientMessage{ToolResponse: &toolResponse{FunctionResponses: results}}, nil
	}
	return clientMessage{}, fmt.Errorf("gemini: unsupported client message %T", msg)
}

// Events returns the channel on which server events arrive.
func (c *conn) Events() <-chan live.Event { return c.events }

// Ready is closed when the server acknowledged the setup message.
func (c *conn) Ready() <-chan struct{} { return c.ready }

// Done is closed when the receive loop has exited.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err returns the first non-nil error that caused the connection to terminate.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── error classification ──────────────────────────────────────────────────────

// classify wraps transport errors that mean "slow down" with
// live.ErrRateLimited.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusTryAgainLater || isRateLimitText(ce.Reason) {
			return fmt.Errorf("gemini: %w: %s", live.ErrRateLimited, ce.Reason)
		}
		return fmt.Errorf("gemini: closed by server (%d): %s", ce.Code, ce.Reason)
	}
	return fmt.Errorf("gemini: %w", err)
}

func serverError(ge *geminiError) error {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	if ge.Code == http.StatusTooManyRequests || isRateLimitText(ge.Status) || isRateLimitText(msg) {
		return fmt.Errorf("gemini: %w: %s", live.ErrRateLimited, msg)
	}
	return fmt.Errorf("gemini: server error %d: %s", ge.Code, msg)
}

func isRateLimitText(s string) bool {
	s = strings.ToUpper(s)
	return strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "429") || strings.Contains(s, "QUOTA")
}
