package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// HeaderSize is the RTP header length the header-derived nonce covers.
const HeaderSize = 12

var (
	// ErrBadKey is returned when the session key has the wrong length.
	ErrBadKey = errors.New("secret key must be 32 bytes")
	// ErrAuthFailed is returned when a packet fails authentication.
	ErrAuthFailed = errors.New("packet authentication failed")
	// ErrShortPacket is returned when a packet is too small to carry a tag
	// and nonce for the active mode.
	ErrShortPacket = errors.New("packet too short")
)

// Encryptor seals media payloads under the session secret key.
//
// Encryptor is not safe for concurrent use; the transport send path owns it
// and serializes all calls (single-writer discipline).
type Encryptor struct {
	key     [KeySize]byte
	mode    Mode
	counter uint32
}

// NewEncryptor creates an Encryptor for the negotiated mode and key.
func NewEncryptor(mode Mode, key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	e := &Encryptor{mode: mode}
	copy(e.key[:], key)
	if mode == ModeLite {
		// Random starting point so a session restart under a reused key
		// does not replay low counter values.
		var seed [4]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("seed nonce counter: %w", err)
		}
		e.counter = binary.BigEndian.Uint32(seed[:])
	}
	return e, nil
}

// Seal encrypts payload and returns the complete wire packet: the header,
// the tag-prefixed ciphertext and, depending on the mode, trailing nonce
// bytes. The header must be exactly HeaderSize bytes.
func (e *Encryptor) Seal(header, payload []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(header))
	}

	var nonce [NonceSize]byte
	var suffix []byte

	switch e.mode {
	case ModeNormal:
		copy(nonce[:HeaderSize], header)
	case ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		suffix = nonce[:]
	case ModeLite:
		e.counter++
		binary.BigEndian.PutUint32(nonce[:4], e.counter)
		suffix = nonce[:4]
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(e.mode))
	}

	out := make([]byte, 0, len(header)+len(payload)+e.mode.Overhead())
	out = append(out, header...)
	out = secretbox.Seal(out, payload, &nonce, &e.key)
	out = append(out, suffix...)
	return out, nil
}

// Decryptor opens media payloads sealed under the session secret key.
// Decryptor is stateless apart from the key and is safe for concurrent use.
type Decryptor struct {
	key  [KeySize]byte
	mode Mode
}

// NewDecryptor creates a Decryptor for the negotiated mode and key.
func NewDecryptor(mode Mode, key []byte) (*Decryptor, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	d := &Decryptor{mode: mode}
	copy(d.key[:], key)
	return d, nil
}

// Open authenticates and decrypts the body of a received packet. header is
// the unencrypted packet header, body everything after it (tag, ciphertext
// and any trailing nonce bytes). A failed authentication returns
// ErrAuthFailed; the caller drops the packet and must not surface it.
func (d *Decryptor) Open(header, body []byte) ([]byte, error) {
	var nonce [NonceSize]byte

	suffix := d.mode.SuffixLen()
	if len(body) < TagSize+suffix {
		return nil, ErrShortPacket
	}

	switch d.mode {
	case ModeNormal:
		if len(header) > HeaderSize {
			header = header[:HeaderSize]
		}
		copy(nonce[:], header)
	case ModeSuffix, ModeLite:
		copy(nonce[:suffix], body[len(body)-suffix:])
		body = body[:len(body)-suffix]
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(d.mode))
	}

	plain, ok := secretbox.Open(nil, body, &nonce, &d.key)
	if !ok {
		return nil, ErrAuthFailed
	}
	return plain, nil
}
