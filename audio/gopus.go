package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

// remoteChannels is the channel count the voice server sends. Incoming
// streams are stereo; the bridge hands the host mono, so the native decoder
// downmixes by averaging the pair.
const remoteChannels = 2

// gopusEncoder is the default Encoder, a mono VOIP-tuned libopus encoder.
type gopusEncoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates the default Opus encoder: 48 kHz mono, VOIP profile.
func NewEncoder() (Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "NewEncoder",
		"sample_rate": SampleRate,
		"channels":    1,
	}).Debug("Opus encoder created")
	return &gopusEncoder{enc: enc}, nil
}

func (e *gopusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("encoder wants %d samples per frame, got %d", FrameSamples, len(pcm))
	}
	payload, err := e.enc.Encode(pcm, FrameSamples, MaxPayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return payload, nil
}

// gopusDecoder is the default Decoder, a stereo libopus decoder with a
// mono downmix on the way out.
type gopusDecoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates the default Opus decoder: 48 kHz stereo downmixed to
// mono.
func NewDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, remoteChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &gopusDecoder{dec: dec}, nil
}

func (d *gopusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty opus payload")
	}
	pcm, err := d.dec.Decode(payload, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return downmix(pcm), nil
}

// downmix folds interleaved stereo samples to mono by rounding average.
func downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		left := int32(stereo[2*i])
		right := int32(stereo[2*i+1])
		mono[i] = int16((left + right + 1) / 2)
	}
	return mono
}
