package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameConstantsAgree(t *testing.T) {
	assert.Equal(t, 960, FrameSamples)
	assert.Equal(t, float64(FrameSamples), SampleRate*FrameDuration.Seconds())
}

func TestDownmixAveragesPairs(t *testing.T) {
	tests := []struct {
		name   string
		stereo []int16
		want   []int16
	}{
		{
			name:   "identical channels pass through",
			stereo: []int16{100, 100, -50, -50},
			want:   []int16{100, -50},
		},
		{
			name:   "averages toward positive",
			stereo: []int16{0, 101},
			want:   []int16{51},
		},
		{
			name:   "extremes do not overflow",
			stereo: []int16{32767, 32767, -32768, -32768},
			want:   []int16{32767, -32768},
		},
		{
			name:   "empty input",
			stereo: nil,
			want:   []int16{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, downmix(tt.stereo))
		})
	}
}

func TestPureDecoderRejectsEmptyPayload(t *testing.T) {
	dec := NewPureDecoder()
	_, err := dec.Decode(nil)
	assert.Error(t, err)
}
