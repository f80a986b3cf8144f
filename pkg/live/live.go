// Package live implements the client side of a realtime multimodal model
// session: a single bidirectional channel that carries microphone audio,
// camera frames and text to the model, and model audio, transcripts and tool
// calls back.
//
// The package has two layers:
//
//   - [Provider] and [Conn] are the wire transport. A Provider dials the model
//     service and performs the setup handshake; a Conn exchanges
//     [ClientMessage] values for [Event] values. See the gemini subpackage for
//     the Gemini Live implementation.
//   - [Channel] wraps a Conn with the session semantics the rest of the
//     application relies on: a Connecting → Open → Closed/Errored state
//     machine, queuing of sends made while connecting, a throttled single-slot
//     image queue and rate-limit retries.
//
// All exported types are safe for concurrent use.
package live

import (
	"context"

	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/vision"
)

// ToolDeclaration describes a function the model may call.
type ToolDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON Schema describing the call arguments. It must
	// marshal to a JSON object.
	Parameters any
}

// Config is the session configuration sent during the setup handshake.
type Config struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name for synthesised speech.
	Voice string

	// Instructions is the system instruction for the whole session.
	Instructions string

	// Tools are the functions the model may call.
	Tools []ToolDeclaration

	// Transcription enables input and output transcription events.
	Transcription bool
}

// ClientMessage is a message sent from the client to the model. The set of
// implementations is closed: [AudioInput], [ImageInput], [TextInput] and
// [ToolResponses].
type ClientMessage interface {
	clientMessage()
}

// AudioInput carries one PCM block of microphone audio.
type AudioInput struct{ Blob audio.Blob }

// ImageInput carries one camera frame.
type ImageInput struct{ Frame vision.Frame }

// TextInput carries a user text turn.
type TextInput struct{ Text string }

// ToolResponses acknowledges one or more tool calls.
type ToolResponses struct{ Responses []ToolResponse }

func (AudioInput) clientMessage()    {}
func (ImageInput) clientMessage()    {}
func (TextInput) clientMessage()     {}
func (ToolResponses) clientMessage() {}

// ToolResponse is the reply to a [ToolCallRequest]. ID must match the
// request's ID.
type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]any
}

// Conn is an established transport connection to the model service.
type Conn interface {
	// Send writes one message. It returns an error wrapping [ErrRateLimited]
	// when the service asks the client to back off, and [ErrSessionClosed]
	// after Close. It may be called from several goroutines at once.
	Send(ctx context.Context, msg ClientMessage) error

	// Events delivers server events in arrival order. The channel is closed
	// when the connection ends; Err then reports why.
	Events() <-chan Event

	// Ready is closed once the setup handshake has completed.
	Ready() <-chan struct{}

	// Done is closed when the connection has ended.
	Done() <-chan struct{}

	// Err returns the error that ended the connection, or nil for a clean
	// close.
	Err() error

	// Close terminates the connection. It is idempotent.
	Close() error
}

// Provider dials a model service.
type Provider interface {
	// Connect dials the service and sends the setup message. The returned Conn
	// may not be ready yet; wait on Conn.Ready.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}
