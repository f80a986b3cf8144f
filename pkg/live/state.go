package live

// State is the lifecycle state of a [Channel].
type State int

const (
	// StateConnecting is the initial state. Sends are queued.
	StateConnecting State = iota

	// StateOpen means the setup handshake completed and sends go straight to
	// the transport.
	StateOpen

	// StateClosed is terminal: the channel was closed by the client or
	// cleanly by the server.
	StateClosed

	// StateErrored is terminal: the transport failed. See [Channel.Err].
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
