package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// IP discovery wire format: 2-byte type, 2-byte length (always 70), 4-byte
// ssrc, 64-byte NUL-terminated address string, 2-byte port.
const (
	discoveryRequest  = 0x0001
	discoveryResponse = 0x0002
	discoveryBodyLen  = 70
	discoveryPktLen   = 74
	discoveryAddrLen  = 64
)

// ErrDiscoveryFailed is returned when the voice server's discovery response
// is missing or malformed.
var ErrDiscoveryFailed = errors.New("ip discovery failed")

// buildDiscoveryRequest serializes a discovery request for the session ssrc.
func buildDiscoveryRequest(ssrc uint32) []byte {
	pkt := make([]byte, discoveryPktLen)
	binary.BigEndian.PutUint16(pkt[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(pkt[2:4], discoveryBodyLen)
	binary.BigEndian.PutUint32(pkt[4:8], ssrc)
	return pkt
}

// parseDiscoveryResponse extracts the externally visible address and port
// from a discovery response.
func parseDiscoveryResponse(pkt []byte, ssrc uint32) (netip.AddrPort, error) {
	if len(pkt) < discoveryPktLen {
		return netip.AddrPort{}, fmt.Errorf("%w: response truncated to %d bytes", ErrDiscoveryFailed, len(pkt))
	}
	if binary.BigEndian.Uint16(pkt[0:2]) != discoveryResponse {
		return netip.AddrPort{}, fmt.Errorf("%w: unexpected packet type %#x", ErrDiscoveryFailed, binary.BigEndian.Uint16(pkt[0:2]))
	}
	if got := binary.BigEndian.Uint32(pkt[4:8]); got != ssrc {
		return netip.AddrPort{}, fmt.Errorf("%w: response for ssrc %d, want %d", ErrDiscoveryFailed, got, ssrc)
	}

	raw := pkt[8 : 8+discoveryAddrLen]
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: address not terminated", ErrDiscoveryFailed)
	}
	addr, err := netip.ParseAddr(string(raw[:nul]))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad address %q", ErrDiscoveryFailed, raw[:nul])
	}

	port := binary.BigEndian.Uint16(pkt[8+discoveryAddrLen : discoveryPktLen])
	return netip.AddrPortFrom(addr, port), nil
}

// discover performs the IP discovery handshake on a connected socket,
// returning the address and port the voice server sees for us. The deadline
// bounds the whole exchange; expiry is a negotiation failure, not a hang.
func discover(conn net.Conn, ssrc uint32, timeout time.Duration) (netip.AddrPort, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, fmt.Errorf("set discovery deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(buildDiscoveryRequest(ssrc)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send discovery request: %w", err)
	}

	buf := make([]byte, MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		}

		public, err := parseDiscoveryResponse(buf[:n], ssrc)
		if err != nil {
			// Media from the server can already be in flight; skip
			// anything that is not our response until the deadline.
			logrus.WithFields(logrus.Fields{
				"function": "discover",
				"error":    err.Error(),
			}).Debug("Ignoring non-discovery datagram during handshake")
			continue
		}
		return public, nil
	}
}
