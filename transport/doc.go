// Package transport implements the encrypted media path to the voice
// server: one UDP socket per session, the IP discovery handshake, and the
// seal/open of every outbound/inbound RTP packet.
//
// The transport is deliberately ignorant of frame timing. It hands every
// authenticated packet to the bridge in arrival order and leaves reordering,
// jitter and pacing to it. Packets that fail authentication or carry an
// unrecognized synchronization source are dropped and counted, never
// surfaced; socket failures are session-fatal and reported on the error
// channel.
package transport
