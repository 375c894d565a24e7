// Package bridge reconciles the host's frame clock with the transport's
// packet clock, in both directions and with bounded buffering.
//
// Outbound, host frames enter a bounded queue and a 20 ms pacer encodes
// and sends them at real-time rate, advancing the sample timestamp by one
// frame per packet. Inbound, decrypted packets pass through a small
// per-source reorder window, get their header extension stripped and are
// decoded to mono PCM frames for the host to pull. Packets arriving after
// the window has advanced past them are dropped, never emitted out of
// order; sequence gaps surface as explicit gap frames so the host's
// concealment can fill them.
//
// Neither the signaling session nor the transport is aware of frame-level
// timing; this package is the only place the two clocks meet.
package bridge
