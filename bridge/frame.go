package bridge

import (
	"time"

	"github.com/opd-ai/discordvoice/audio"
)

// Frame is one unit of host-side audio: mono signed linear PCM at 48 kHz.
// A Gap frame carries no samples and stands in for a packet the reorder
// window gave up on; the host's concealment decides what to play.
type Frame struct {
	Samples []int16
	Gap     bool
}

// Duration returns the frame's play time. Gap frames report one nominal
// frame length.
func (f *Frame) Duration() time.Duration {
	if f.Gap || len(f.Samples) == 0 {
		return audio.FrameDuration
	}
	return time.Duration(len(f.Samples)) * time.Second / audio.SampleRate
}

// Clone returns an independent copy. The bridge never retains a caller's
// frame past the call boundary; it clones first, because the caller may
// reuse the backing array immediately.
func (f *Frame) Clone() *Frame {
	c := &Frame{Gap: f.Gap}
	if f.Samples != nil {
		c.Samples = make([]int16, len(f.Samples))
		copy(c.Samples, f.Samples)
	}
	return c
}
