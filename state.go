package discordvoice

// State is the lifecycle position of a VoiceSession.
type State uint8

const (
	// StateIdle is the zero state before negotiation begins.
	StateIdle State = iota
	// StateNegotiating covers the signaling handshake and UDP discovery.
	StateNegotiating
	// StateMediaReady means the encrypted media path is up but no frame
	// has crossed it yet.
	StateMediaReady
	// StateActive means frames are flowing.
	StateActive
	// StateReconnecting is entered from MediaReady or Active on a
	// recoverable failure while the supervisor retries.
	StateReconnecting
	// StateClosing is a transient state while teardown runs.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateMediaReady:
		return "media-ready"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
