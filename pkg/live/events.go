package live

import "sync"

// Role identifies who produced a transcript.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Event is a message received from the model. The set of implementations is
// closed: [AudioChunk], [TranscriptDelta], [ToolCallRequest], [TurnComplete],
// [Interrupted] and [ToolCallCancellation].
type Event interface {
	event()
}

// AudioChunk is a fragment of the model's spoken answer. Data is base64 PCM
// exactly as received; it is decoded by the consumer so that a malformed chunk
// can be dropped without tearing down the session.
type AudioChunk struct {
	Data     string
	MIMEType string
}

// TranscriptDelta is an incremental piece of transcribed speech.
type TranscriptDelta struct {
	Role Role
	Text string
}

// ToolCallRequest asks the client to run a function. Every request must be
// answered with exactly one [ToolResponse] carrying the same ID.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// TurnComplete marks the end of the model's turn.
type TurnComplete struct{}

// Interrupted reports that the user barged in and the model abandoned its
// turn. Buffered model audio must be discarded.
type Interrupted struct{}

// ToolCallCancellation tells the client that earlier tool calls are no longer
// needed. It does not release the client from acknowledging them.
type ToolCallCancellation struct {
	IDs []string
}

func (AudioChunk) event()           {}
func (TranscriptDelta) event()      {}
func (ToolCallRequest) event()      {}
func (TurnComplete) event()         {}
func (Interrupted) event()          {}
func (ToolCallCancellation) event() {}

// TurnTracker follows the model's turn structure. A turn opens with the
// model's first audio chunk, model transcript delta or tool call and closes
// with [TurnComplete] or [Interrupted]. At most one turn is open at a time.
type TurnTracker struct {
	mu   sync.Mutex
	open bool
	seq  uint64
}

// Observe feeds one event to the tracker and returns the number of the turn
// it belongs to (zero for events outside any model turn) and whether the
// event closed that turn.
func (t *TurnTracker) Observe(ev Event) (turn uint64, closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case AudioChunk, ToolCallRequest:
		t.openLocked()
		return t.seq, false
	case TranscriptDelta:
		if e.Role != RoleModel {
			if t.open {
				return t.seq, false
			}
			return 0, false
		}
		t.openLocked()
		return t.seq, false
	case TurnComplete, Interrupted:
		if !t.open {
			return 0, false
		}
		t.open = false
		return t.seq, true
	default:
		if t.open {
			return t.seq, false
		}
		return 0, false
	}
}

func (t *TurnTracker) openLocked() {
	if !t.open {
		t.open = true
		t.seq++
	}
}

// Open reports whether a model turn is in progress.
func (t *TurnTracker) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Turns returns the number of model turns seen so far.
func (t *TurnTracker) Turns() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}
