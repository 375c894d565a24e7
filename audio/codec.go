package audio

import "time"

// Audio path constants. The voice server wants 48 kHz Opus in 20 ms frames;
// 20 ms is also the frame size the host switch delivers for slin48.
const (
	// SampleRate is the sample clock shared by both sides of the bridge.
	SampleRate = 48000

	// FrameDuration is the length of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / 1000 * 20

	// MaxPayloadBytes bounds one encoded Opus payload so the sealed packet
	// stays under a UDP-safe MTU after header, tag and nonce overhead.
	MaxPayloadBytes = 1276
)

// Encoder compresses one PCM frame into an Opus payload.
//
// Implementations keep codec state across frames and are not safe for
// concurrent use; the bridge funnels all encodes through its pacer.
type Encoder interface {
	// Encode compresses exactly FrameSamples of mono PCM.
	Encode(pcm []int16) ([]byte, error)
}

// Decoder decompresses one Opus payload into mono PCM.
//
// Implementations keep codec state across frames; the bridge owns one
// Decoder per remote synchronization source.
type Decoder interface {
	// Decode returns mono PCM at SampleRate. The sample count reflects the
	// frame size chosen by the remote encoder.
	Decode(payload []byte) ([]int16, error)
}
