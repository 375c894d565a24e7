package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/discordvoice/crypto"
)

// Config carries the transport tunables. Zero values select the defaults.
type Config struct {
	// DiscoveryTimeout bounds the IP discovery exchange.
	DiscoveryTimeout time.Duration
	// KeepAliveInterval is how often a hold-open datagram is sent when no
	// audio has gone out.
	KeepAliveInterval time.Duration
	// QueueSize is the capacity of the inbound packet channel.
	QueueSize int
}

const (
	defaultDiscoveryTimeout  = 5 * time.Second
	defaultKeepAliveInterval = 5 * time.Second
	defaultQueueSize         = 64
)

func (c *Config) applyDefaults() {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Stats is a snapshot of the transport counters. Packet-level failures are
// absorbed here instead of propagating.
type Stats struct {
	Sent            uint64
	Received        uint64
	DecryptFailures uint64
	UnknownSSRC     uint64
	Malformed       uint64
	QueueOverflow   uint64
	KeepAlives      uint64
}

// ErrNoCrypto is returned by Send before the session key is installed.
var ErrNoCrypto = errors.New("crypto not enabled")

// ErrNotStarted is returned when the transport has no socket yet.
var ErrNotStarted = errors.New("transport not started")

// Transport owns one UDP socket to the voice server. One goroutine drives
// the receive loop and a second the keep-alive timer; both stop when Close
// is called or the owning context is cancelled.
type Transport struct {
	cfg Config

	conn   net.Conn
	ssrc   uint32
	public netip.AddrPort

	// sendMu serializes the send path; sequence and the encryptor's nonce
	// counter are only touched while it is held.
	sendMu   sync.Mutex
	sequence uint16
	enc      *crypto.Encryptor

	dec atomic.Pointer[crypto.Decryptor]

	allowedMu sync.RWMutex
	allowed   map[uint32]struct{}

	packets chan *MediaPacket
	errs    chan error

	lastSend atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	sent            atomic.Uint64
	received        atomic.Uint64
	decryptFailures atomic.Uint64
	unknownSSRC     atomic.Uint64
	malformed       atomic.Uint64
	queueOverflow   atomic.Uint64
	keepAlives      atomic.Uint64
}

// New creates an unstarted Transport.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:     cfg,
		allowed: make(map[uint32]struct{}),
		packets: make(chan *MediaPacket, cfg.QueueSize),
		errs:    make(chan error, 1),
	}
}

// Start binds a UDP socket to the voice server, performs IP discovery and
// starts the receive and keep-alive loops. It returns the externally
// visible address the signaling session reports in select-protocol. ctx
// bounds only the startup handshake; the loops run until Close.
func (t *Transport) Start(ctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Transport.Start",
		"remote":   remote,
		"ssrc":     ssrc,
	}).Info("Starting media transport")

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "udp", remote)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("dial voice server: %w", err)
	}

	public, err := discover(conn, ssrc, t.cfg.DiscoveryTimeout)
	if err != nil {
		conn.Close()
		return netip.AddrPort{}, err
	}

	var seq [2]byte
	if _, err := rand.Read(seq[:]); err != nil {
		conn.Close()
		return netip.AddrPort{}, fmt.Errorf("seed sequence number: %w", err)
	}

	t.conn = conn
	t.ssrc = ssrc
	t.public = public
	t.sequence = binary.BigEndian.Uint16(seq[:])
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.lastSend.Store(time.Now().UnixNano())

	t.wg.Add(2)
	go t.receiveLoop()
	go t.keepAliveLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "Transport.Start",
		"public_addr": public.String(),
		"local_addr":  conn.LocalAddr().String(),
	}).Info("Media transport ready, public address discovered")

	return public, nil
}

// EnableCrypto installs the session secret key negotiated over signaling.
// Until it is called, Send fails and every inbound packet is dropped.
func (t *Transport) EnableCrypto(mode crypto.Mode, key []byte) error {
	enc, err := crypto.NewEncryptor(mode, key)
	if err != nil {
		return err
	}
	dec, err := crypto.NewDecryptor(mode, key)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	t.enc = enc
	t.sendMu.Unlock()
	t.dec.Store(dec)

	logrus.WithFields(logrus.Fields{
		"function": "Transport.EnableCrypto",
		"mode":     mode.String(),
	}).Info("Media encryption enabled")
	return nil
}

// Send seals one Opus payload and writes it to the socket. The sequence
// number is owned here and increments by one per packet, wrapping at 16
// bits; the timestamp is supplied by the bridge from the frame clock.
// Concurrent callers are serialized.
func (t *Transport) Send(payload []byte, timestamp uint32) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.conn == nil {
		return ErrNotStarted
	}
	if t.enc == nil {
		return ErrNoCrypto
	}

	seq := t.sequence
	t.sequence++ // wraps at 16 bits by type

	header, err := marshalHeader(seq, timestamp, t.ssrc)
	if err != nil {
		return err
	}
	packet, err := t.enc.Seal(header, payload)
	if err != nil {
		return fmt.Errorf("seal packet: %w", err)
	}
	if len(packet) > MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds maximum %d", len(packet), MaxPacketSize)
	}

	if _, err := t.conn.Write(packet); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	t.sent.Add(1)
	t.lastSend.Store(time.Now().UnixNano())
	return nil
}

// AllowSSRC admits packets from a remote synchronization source. The
// supervisor maps sources from speaking and client-connect events.
func (t *Transport) AllowSSRC(ssrc uint32) {
	t.allowedMu.Lock()
	t.allowed[ssrc] = struct{}{}
	t.allowedMu.Unlock()
}

// ForgetSSRC stops admitting packets from a source after the user leaves.
func (t *Transport) ForgetSSRC(ssrc uint32) {
	t.allowedMu.Lock()
	delete(t.allowed, ssrc)
	t.allowedMu.Unlock()
}

func (t *Transport) ssrcAllowed(ssrc uint32) bool {
	t.allowedMu.RLock()
	_, ok := t.allowed[ssrc]
	t.allowedMu.RUnlock()
	return ok
}

// Packets delivers decrypted inbound media in arrival order.
func (t *Transport) Packets() <-chan *MediaPacket { return t.packets }

// Errors delivers the first session-fatal socket error, if any.
func (t *Transport) Errors() <-chan error { return t.errs }

// PublicAddr returns the address discovered during Start.
func (t *Transport) PublicAddr() netip.AddrPort { return t.public }

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:            t.sent.Load(),
		Received:        t.received.Load(),
		DecryptFailures: t.decryptFailures.Load(),
		UnknownSSRC:     t.unknownSSRC.Load(),
		Malformed:       t.malformed.Load(),
		QueueOverflow:   t.queueOverflow.Load(),
		KeepAlives:      t.keepAlives.Load(),
	}
}

// Close releases the socket and stops both loops. It is idempotent and
// returns once the loops have exited.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.conn != nil {
			t.conn.Close()
		}
	})
	t.wg.Wait()
	return nil
}

// receiveLoop reads datagrams until shutdown. Single-packet failures are
// counted and absorbed; only socket-level errors are fatal.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, MaxPacketSize+64)
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			t.fatal(fmt.Errorf("set read deadline: %w", err))
			return
		}
		n, err := t.conn.Read(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			t.fatal(fmt.Errorf("read packet: %w", err))
			return
		}
		t.handleDatagram(buf[:n])
	}
}

func (t *Transport) handleDatagram(data []byte) {
	dec := t.dec.Load()
	if dec == nil {
		t.malformed.Add(1)
		return
	}

	packet, err := parsePacket(data, dec)
	switch {
	case err == nil:
	case errors.Is(err, crypto.ErrAuthFailed), errors.Is(err, crypto.ErrShortPacket):
		t.decryptFailures.Add(1)
		return
	case errors.Is(err, errRTCP):
		// Sender reports; nothing on the media path needs them.
		return
	default:
		t.malformed.Add(1)
		return
	}

	if !t.ssrcAllowed(packet.SSRC) {
		t.unknownSSRC.Add(1)
		return
	}

	t.received.Add(1)
	select {
	case t.packets <- packet:
	default:
		// The bridge is not draining; shedding the newest packet keeps
		// latency bounded.
		t.queueOverflow.Add(1)
	}
}

// keepAliveLoop sends a small hold-open datagram whenever no audio has been
// written for a full interval, so NAT bindings and the server-side path
// survive silence.
func (t *Transport) keepAliveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var ka [4]byte
	binary.LittleEndian.PutUint32(ka[:], t.ssrc)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, t.lastSend.Load()))
			if idle < t.cfg.KeepAliveInterval {
				continue
			}
			if _, err := t.conn.Write(ka[:]); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "Transport.keepAliveLoop",
					"error":    err.Error(),
				}).Warn("Keep-alive write failed")
				continue
			}
			t.keepAlives.Add(1)
		}
	}
}

func (t *Transport) fatal(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Transport.fatal",
		"error":    err.Error(),
	}).Error("Media transport failed")
	select {
	case t.errs <- err:
	default:
	}
}
