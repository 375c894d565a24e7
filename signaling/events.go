package signaling

// Event is a session-lifecycle notification delivered to the supervisor.
type Event interface{ isEvent() }

// SpeakingEvent maps a remote user to the synchronization source their
// audio arrives on.
type SpeakingEvent struct {
	UserID string
	SSRC   uint32
}

// ClientConnectEvent reports a user joining the voice channel.
type ClientConnectEvent struct {
	UserID string
	SSRC   uint32
}

// ClientDisconnectEvent reports a user leaving the voice channel.
type ClientDisconnectEvent struct {
	UserID string
}

// StaleEvent reports two consecutive missed heartbeat acknowledgements.
// The session is dead weight after this; the supervisor reconnects.
type StaleEvent struct {
	MissedAcks int
}

// ClosedEvent reports that the control connection ended. Code is the
// websocket close code when one was received, zero otherwise.
type ClosedEvent struct {
	Code int
	Err  error
}

func (SpeakingEvent) isEvent()         {}
func (ClientConnectEvent) isEvent()    {}
func (ClientDisconnectEvent) isEvent() {}
func (StaleEvent) isEvent()            {}
func (ClosedEvent) isEvent()           {}
