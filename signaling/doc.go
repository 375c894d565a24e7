// Package signaling maintains the control channel that negotiates and keeps
// alive one voice connection: a message-framed websocket carrying JSON
// opcoded payloads.
//
// Connect drives the identify handshake to a session description and
// returns the parameters the media transport needs (remote endpoint,
// synchronization source, secret key, encryption mode). Resume re-attaches
// to a previous session after a transient disconnect. A heartbeat loop runs
// for the lifetime of the session; two consecutive missed acknowledgements
// mark the session stale so the supervisor can reconnect.
//
// The package never touches media and holds no reconnection policy; it
// reports lifecycle events upward and lets the supervisor decide.
package signaling
