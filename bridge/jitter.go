package bridge

import (
	"github.com/opd-ai/discordvoice/transport"
)

// DefaultReorderWindow is how many packets may accumulate before the
// window force-advances past a missing sequence number. Larger values
// tolerate deeper reordering at the cost of up to window-1 frame times of
// added latency; there is no single correct value, which is why it is a
// tunable and not a constant of the wire format.
const DefaultReorderWindow = 8

// seqBefore reports whether a precedes b in 16-bit sequence space,
// treating the shorter way around the wrap as forward.
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// reorderWindow resequences packets from one remote source. Packets are
// held in sequence order and released either when they are contiguous
// with the last released packet or when occupancy reaches the window
// size, whichever comes first. A packet whose sequence the window has
// already advanced past is dropped.
//
// Not safe for concurrent use; each window is owned by the inbound loop.
type reorderWindow struct {
	size    int
	started bool
	next    uint16
	pending []*transport.MediaPacket
	late    uint64
}

func newReorderWindow(size int) *reorderWindow {
	if size <= 0 {
		size = DefaultReorderWindow
	}
	return &reorderWindow{size: size}
}

// push files one packet. Late packets and duplicates are dropped.
func (w *reorderWindow) push(p *transport.MediaPacket) {
	if w.started && seqBefore(p.Sequence, w.next) {
		w.late++
		return
	}

	// Insertion sort; the window is small and mostly ordered.
	i := len(w.pending)
	for i > 0 && seqBefore(p.Sequence, w.pending[i-1].Sequence) {
		i--
	}
	if i > 0 && w.pending[i-1].Sequence == p.Sequence {
		return
	}
	w.pending = append(w.pending, nil)
	copy(w.pending[i+1:], w.pending[i:])
	w.pending[i] = p
}

// pop releases the next packet if the window allows it. gap reports that
// one or more sequence numbers were skipped to release this packet.
func (w *reorderWindow) pop() (p *transport.MediaPacket, gap bool, ok bool) {
	if len(w.pending) == 0 {
		return nil, false, false
	}
	head := w.pending[0]
	switch {
	case w.started && head.Sequence == w.next:
	case len(w.pending) >= w.size:
	default:
		return nil, false, false
	}

	gap = w.started && head.Sequence != w.next
	w.pending[0] = nil
	w.pending = w.pending[1:]
	w.started = true
	w.next = head.Sequence + 1
	return head, gap, true
}
