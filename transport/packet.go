package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/opd-ai/discordvoice/crypto"
)

const (
	// rtpVersion is the fixed RTP version on the media path.
	rtpVersion = 2

	// payloadType is the dynamic payload type the voice server assigns to
	// Opus audio.
	payloadType = 0x78

	// MaxPacketSize bounds one sealed packet to a UDP-safe MTU.
	MaxPacketSize = 1450

	// headerSize is the fixed RTP header length without extensions.
	headerSize = crypto.HeaderSize
)

// ErrNotRTP is returned when an inbound datagram does not parse as RTP.
var ErrNotRTP = errors.New("not an rtp packet")

// errRTCP marks decrypted RTCP traffic, which the media path drops.
var errRTCP = errors.New("rtcp packet")

// MediaPacket is one decrypted unit of media as handed to the bridge.
// Sequence and Timestamp wrap at 16 and 32 bits respectively; arrival order
// is not guaranteed.
type MediaPacket struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	// Payload is the decrypted Opus payload, possibly prefixed by a
	// header-extension block the bridge skips.
	Payload []byte
}

// marshalHeader builds the fixed 12-byte RTP header for an outbound packet.
func marshalHeader(sequence uint16, timestamp, ssrc uint32) ([]byte, error) {
	header := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    payloadType,
		SequenceNumber: sequence,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	buf := make([]byte, header.MarshalSize())
	if _, err := header.MarshalTo(buf); err != nil {
		return nil, fmt.Errorf("marshal rtp header: %w", err)
	}
	return buf, nil
}

// isRTCP reports whether a datagram on the media socket is RTCP rather than
// RTP. The voice server multiplexes both on one port; RTCP packet types
// occupy 200-204 where RTP would carry a payload type.
func isRTCP(data []byte) bool {
	return len(data) >= 2 && data[1] >= 200 && data[1] <= 204
}

// parsePacket decrypts and validates one inbound datagram. It returns
// ErrNotRTP for malformed data, crypto.ErrAuthFailed for forged or corrupt
// packets and errRTCP for (valid) control traffic the media path ignores.
//
// The header is read by hand rather than through rtp.Header.Unmarshal: the
// voice server sets the extension bit but seals the extension words inside
// the ciphertext, so a full parse of the plaintext prefix would read
// garbage lengths.
func parsePacket(data []byte, dec *crypto.Decryptor) (*MediaPacket, error) {
	if len(data) < headerSize {
		return nil, ErrNotRTP
	}
	if isRTCP(data) {
		// RTCP is sealed with the same key; authenticate before dropping
		// so forged control traffic still counts as a decrypt failure.
		if _, err := dec.Open(data[:8], data[8:]); err != nil {
			return nil, err
		}
		return nil, errRTCP
	}
	if data[0]>>6 != rtpVersion {
		return nil, ErrNotRTP
	}

	payload, err := dec.Open(data[:headerSize], data[headerSize:])
	if err != nil {
		return nil, err
	}

	return &MediaPacket{
		Sequence:  binary.BigEndian.Uint16(data[2:4]),
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		SSRC:      binary.BigEndian.Uint32(data[8:12]),
		Payload:   payload,
	}, nil
}
