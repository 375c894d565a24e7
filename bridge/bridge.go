package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/discordvoice/audio"
	"github.com/opd-ai/discordvoice/transport"
)

// PacketSender is the slice of the transport the outbound path needs.
type PacketSender interface {
	Send(payload []byte, timestamp uint32) error
}

// Config carries the bridge tunables. Zero values select the defaults.
type Config struct {
	// ReorderWindow is the per-source resequencing depth in packets.
	ReorderWindow int
	// OutboundQueue bounds host frames waiting for the pacer. When full,
	// the oldest frame is dropped so latency stays bounded.
	OutboundQueue int
	// InboundQueue bounds decoded frames waiting for the host.
	InboundQueue int

	// NewEncoder and NewDecoder override the codec constructors, used by
	// tests to substitute deterministic codecs.
	NewEncoder func() (audio.Encoder, error)
	NewDecoder func() (audio.Decoder, error)
}

const (
	defaultOutboundQueue = 16
	defaultInboundQueue  = 32
)

func (c *Config) applyDefaults() {
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = DefaultReorderWindow
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = defaultOutboundQueue
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = defaultInboundQueue
	}
	if c.NewEncoder == nil {
		c.NewEncoder = audio.NewEncoder
	}
	if c.NewDecoder == nil {
		c.NewDecoder = audio.NewDecoder
	}
}

// Stats is a snapshot of the bridge counters.
type Stats struct {
	FramesOut       uint64
	FramesIn        uint64
	DroppedOutbound uint64
	DroppedInbound  uint64
	LatePackets     uint64
	Gaps            uint64
	EncodeFailures  uint64
	DecodeFailures  uint64
	SendFailures    uint64
}

// ErrClosed is returned once the bridge has been shut down.
var ErrClosed = errors.New("bridge closed")

// source is the inbound state for one remote synchronization source.
// Owned exclusively by the inbound loop.
type source struct {
	window *reorderWindow
	dec    audio.Decoder
}

// Bridge relays audio between the host and the media transport. Outbound
// frames are queued and sent by a pacer at one frame per 20 ms; inbound
// packets are resequenced per source and decoded for the host to pull.
type Bridge struct {
	cfg     Config
	sender  PacketSender
	packets <-chan *transport.MediaPacket

	// enc and timestamp belong to the pacer goroutine.
	enc       audio.Encoder
	timestamp uint32

	outbound chan *Frame
	inbound  chan *Frame

	sources map[uint32]*source

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	framesOut       atomic.Uint64
	framesIn        atomic.Uint64
	droppedOutbound atomic.Uint64
	droppedInbound  atomic.Uint64
	latePackets     atomic.Uint64
	gaps            atomic.Uint64
	encodeFailures  atomic.Uint64
	decodeFailures  atomic.Uint64
	sendFailures    atomic.Uint64
}

// New starts a bridge between sender and the packet stream. The pacer and
// inbound loops run until Close.
func New(cfg Config, sender PacketSender, packets <-chan *transport.MediaPacket) (*Bridge, error) {
	cfg.applyDefaults()

	enc, err := cfg.NewEncoder()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		sender:    sender,
		packets:   packets,
		enc:       enc,
		timestamp: rand.Uint32(),
		outbound:  make(chan *Frame, cfg.OutboundQueue),
		inbound:   make(chan *Frame, cfg.InboundQueue),
		sources:   make(map[uint32]*source),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.wg.Add(2)
	go b.pacerLoop()
	go b.inboundLoop()
	return b, nil
}

// WriteFrame queues one host frame for transmission. The frame is cloned;
// the caller may reuse its backing array immediately. When the queue is
// full the oldest queued frame is dropped, never the newest.
func (b *Bridge) WriteFrame(f *Frame) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	c := f.Clone()
	for {
		select {
		case b.outbound <- c:
			return nil
		default:
		}
		select {
		case <-b.outbound:
			b.droppedOutbound.Add(1)
		default:
		}
	}
}

// ReadFrame returns the next inbound frame, or false when none is ready.
// Never blocks; the host polls on its own clock.
func (b *Bridge) ReadFrame() (*Frame, bool) {
	select {
	case f := <-b.inbound:
		return f, true
	default:
		return nil, false
	}
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesOut:       b.framesOut.Load(),
		FramesIn:        b.framesIn.Load(),
		DroppedOutbound: b.droppedOutbound.Load(),
		DroppedInbound:  b.droppedInbound.Load(),
		LatePackets:     b.latePackets.Load(),
		Gaps:            b.gaps.Load(),
		EncodeFailures:  b.encodeFailures.Load(),
		DecodeFailures:  b.decodeFailures.Load(),
		SendFailures:    b.sendFailures.Load(),
	}
}

// Close stops both loops. Idempotent; returns once they have exited.
func (b *Bridge) Close() error {
	b.closeOnce.Do(b.cancel)
	b.wg.Wait()
	return nil
}

// pacerLoop drains the outbound queue at one frame per frame duration so
// bursts from the host leave the socket at real-time rate.
func (b *Bridge) pacerLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			select {
			case f := <-b.outbound:
				b.sendFrame(f)
			default:
			}
		}
	}
}

// sendFrame encodes one frame and hands it to the transport, advancing the
// sample clock by one frame regardless of outcome so timestamps keep
// tracking wall time.
func (b *Bridge) sendFrame(f *Frame) {
	ts := b.timestamp
	b.timestamp += audio.FrameSamples // wraps at 32 bits by type

	if f.Gap {
		return
	}

	pcm := f.Samples
	if len(pcm) != audio.FrameSamples {
		// Short frames happen at stream edges; pad with silence rather
		// than desynchronize the encoder.
		if len(pcm) > audio.FrameSamples {
			pcm = pcm[:audio.FrameSamples]
		} else {
			padded := make([]int16, audio.FrameSamples)
			copy(padded, pcm)
			pcm = padded
		}
	}

	payload, err := b.enc.Encode(pcm)
	if err != nil {
		b.encodeFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Bridge.sendFrame",
			"error":    err.Error(),
		}).Warn("Frame encode failed")
		return
	}

	if err := b.sender.Send(payload, ts); err != nil {
		b.sendFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Bridge.sendFrame",
			"error":    err.Error(),
		}).Debug("Packet send failed")
		return
	}
	b.framesOut.Add(1)
}

func (b *Bridge) inboundLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case p, ok := <-b.packets:
			if !ok {
				return
			}
			b.handlePacket(p)
		}
	}
}

func (b *Bridge) handlePacket(p *transport.MediaPacket) {
	src, ok := b.sources[p.SSRC]
	if !ok {
		dec, err := b.cfg.NewDecoder()
		if err != nil {
			b.decodeFailures.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "Bridge.handlePacket",
				"ssrc":     p.SSRC,
				"error":    err.Error(),
			}).Warn("Decoder construction failed")
			return
		}
		src = &source{window: newReorderWindow(b.cfg.ReorderWindow), dec: dec}
		b.sources[p.SSRC] = src
	}

	before := src.window.late
	src.window.push(p)
	b.latePackets.Add(src.window.late - before)

	for {
		pkt, gap, ok := src.window.pop()
		if !ok {
			return
		}
		if gap {
			b.gaps.Add(1)
			b.deliver(&Frame{Gap: true})
		}
		payload := stripExtension(pkt.Payload)
		if len(payload) == 0 {
			continue
		}
		pcm, err := src.dec.Decode(payload)
		if err != nil {
			b.decodeFailures.Add(1)
			continue
		}
		b.deliver(&Frame{Samples: pcm})
	}
}

// deliver hands a frame to the host queue, shedding the oldest frame when
// the host is not draining.
func (b *Bridge) deliver(f *Frame) {
	for {
		select {
		case b.inbound <- f:
			b.framesIn.Add(1)
			return
		default:
		}
		select {
		case <-b.inbound:
			b.droppedInbound.Add(1)
		default:
		}
	}
}

// stripExtension removes the one-byte RTP header extension block that the
// sender seals inside the encrypted payload. The magic 0xBEDE profile and
// its word count prefix the real Opus data when present.
func stripExtension(payload []byte) []byte {
	if len(payload) < 4 || payload[0] != 0xBE || payload[1] != 0xDE {
		return payload
	}
	skip := 4 + 4*int(binary.BigEndian.Uint16(payload[2:4]))
	if skip > len(payload) {
		return nil
	}
	return payload[skip:]
}
