package crypto

import (
	"errors"
	"fmt"
)

// Mode identifies a supported encryption mode.
type Mode int

const (
	// ModeNormal uses the RTP header as the nonce.
	ModeNormal Mode = iota
	// ModeSuffix appends a random 24-byte nonce to each packet.
	ModeSuffix
	// ModeLite appends a 32-bit big-endian nonce counter to each packet.
	ModeLite
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

// NonceSize is the secretbox nonce length in bytes.
const NonceSize = 24

// TagSize is the Poly1305 authentication tag length in bytes.
const TagSize = 16

// ErrUnknownMode is returned when a mode string is not recognized.
var ErrUnknownMode = errors.New("unknown encryption mode")

// ParseMode maps a protocol mode string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "xsalsa20_poly1305":
		return ModeNormal, nil
	case "xsalsa20_poly1305_suffix":
		return ModeSuffix, nil
	case "xsalsa20_poly1305_lite":
		return ModeLite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// String returns the protocol name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "xsalsa20_poly1305"
	case ModeSuffix:
		return "xsalsa20_poly1305_suffix"
	case ModeLite:
		return "xsalsa20_poly1305_lite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SuffixLen returns the number of trailing nonce bytes the mode appends to a
// sealed packet.
func (m Mode) SuffixLen() int {
	switch m {
	case ModeSuffix:
		return NonceSize
	case ModeLite:
		return 4
	default:
		return 0
	}
}

// Overhead returns the number of bytes Seal adds beyond the payload.
func (m Mode) Overhead() int {
	return TagSize + m.SuffixLen()
}

// nonceEntropy ranks modes by the number of nonce bytes that actually vary.
// The header nonce repeats its low bits far sooner than a dedicated counter
// or random nonce, so it ranks lowest.
func (m Mode) nonceEntropy() int {
	switch m {
	case ModeSuffix:
		return NonceSize
	case ModeLite:
		return 4
	default:
		return 2
	}
}

// SelectMode picks the strongest supported mode from the list offered by the
// voice server during the ready step.
func SelectMode(offered []string) (Mode, error) {
	best := Mode(-1)
	for _, name := range offered {
		mode, err := ParseMode(name)
		if err != nil {
			continue
		}
		if best < 0 || mode.nonceEntropy() > best.nonceEntropy() {
			best = mode
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("no supported mode in %v", offered)
	}
	return best, nil
}
