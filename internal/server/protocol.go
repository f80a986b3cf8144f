package server

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/internal/trigger"
)

// Client message types sent by the browser HUD.
const (
	msgAudio      = "audio"      // microphone PCM16, base64
	msgFrame      = "frame"      // camera JPEG, base64
	msgMicDenied  = "mic_denied" // the browser refused the microphone
	msgTranscript = "transcript" // local speech recognition while in standby
	msgText       = "text"       // typed user turn
	msgStart      = "start"      // enter guardian mode without a wake phrase
	msgStop       = "stop"       // back to standby
	msgReconnect  = "reconnect"  // start a fresh session after the server hung up
)

// Server message types sent to the browser HUD.
const (
	msgMode   = "mode"
	msgHUD    = "hud"
	msgPlay   = "play"
	msgCancel = "cancel"
	msgError  = "error"
)

// clientMessage is one JSON frame from the browser. Only the fields relevant
// to Type are set.
type clientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Rate     int    `json:"rate,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Text     string `json:"text,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// serverMessage is one JSON frame to the browser.
type serverMessage struct {
	Type string `json:"type"`

	// mode
	Mode    trigger.Mode `json:"mode,omitempty"`
	Trigger string       `json:"trigger,omitempty"`
	Session string       `json:"session,omitempty"`

	// hud
	HUD *hud.Snapshot `json:"hud,omitempty"`

	// play / cancel
	Voice    uint64  `json:"voice,omitempty"`
	AtMillis float64 `json:"at_ms,omitempty"`
	Data     string  `json:"data,omitempty"`
	MIMEType string  `json:"mime_type,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func decodeClientMessage(b []byte) (clientMessage, error) {
	var m clientMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return clientMessage{}, fmt.Errorf("server: decode client message: %w", err)
	}
	if m.Type == "" {
		return clientMessage{}, fmt.Errorf("server: client message without type")
	}
	return m, nil
}
