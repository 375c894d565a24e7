package audio

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// pureDecoder decodes with github.com/pion/opus. It needs no cgo but only
// covers the SILK-band subset of the codec, so it is the fallback the
// bridge can be given when the native decoder cannot be linked.
type pureDecoder struct {
	dec *opus.Decoder
	out []byte
}

// NewPureDecoder creates the pure Go Opus decoder.
func NewPureDecoder() Decoder {
	dec := opus.NewDecoder()
	logrus.WithFields(logrus.Fields{
		"function": "NewPureDecoder",
		"decoder":  "pion/opus",
	}).Debug("Pure Go opus decoder created")
	return &pureDecoder{
		dec: &dec,
		out: make([]byte, FrameSamples*remoteChannels*2),
	}
}

func (d *pureDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty opus payload")
	}

	_, isStereo, err := d.dec.Decode(payload, d.out)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	samples := len(d.out) / 2
	pcm := make([]int16, samples)
	for i := 0; i < samples; i++ {
		pcm[i] = int16(d.out[i*2]) | int16(d.out[i*2+1])<<8
	}
	if isStereo {
		return downmix(pcm), nil
	}
	return pcm, nil
}
