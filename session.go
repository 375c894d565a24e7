package discordvoice

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/discordvoice/bridge"
	"github.com/opd-ai/discordvoice/config"
	"github.com/opd-ai/discordvoice/crypto"
	"github.com/opd-ai/discordvoice/signaling"
	"github.com/opd-ai/discordvoice/transport"
)

// Credentials carries the host-provided identity for one voice leg. The
// endpoint, session id and token come from the host's voice-server
// assignment.
type Credentials struct {
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// signalingLink is the slice of the signaling session the supervisor uses.
type signalingLink interface {
	Events() <-chan signaling.Event
	SeqAck() int64
	Speaking(ctx context.Context, on bool) error
	Close() error
}

// mediaTransport is the slice of the transport the supervisor uses.
type mediaTransport interface {
	Start(ctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error)
	EnableCrypto(mode crypto.Mode, key []byte) error
	Send(payload []byte, timestamp uint32) error
	AllowSSRC(ssrc uint32)
	ForgetSSRC(ssrc uint32)
	Packets() <-chan *transport.MediaPacket
	Errors() <-chan error
	Close() error
}

// frameBridge is the slice of the bridge the supervisor uses.
type frameBridge interface {
	WriteFrame(f *bridge.Frame) error
	ReadFrame() (*bridge.Frame, bool)
	Close() error
}

// Constructor hooks, substituted by tests.
var (
	newTransport = func(cfg transport.Config) mediaTransport {
		return transport.New(cfg)
	}
	newBridge = func(cfg bridge.Config, sender bridge.PacketSender, packets <-chan *transport.MediaPacket) (frameBridge, error) {
		return bridge.New(cfg, sender, packets)
	}
	connectVoice = func(ctx context.Context, cfg signaling.Config, p signaling.Params, d signaling.DiscoverFunc) (signalingLink, *signaling.Description, error) {
		return signaling.Connect(ctx, cfg, p, d)
	}
	resumeVoice = func(ctx context.Context, cfg signaling.Config, p signaling.Params, seqAck int64) (signalingLink, error) {
		return signaling.Resume(ctx, cfg, p, seqAck)
	}
)

// VoiceSession supervises one call leg: a signaling session, a media
// transport and the frame bridge between them. It owns their lifetimes
// and the reconnect policy; the host only writes and reads frames.
type VoiceSession struct {
	// ID identifies the leg in logs.
	ID string

	dest  Destination
	creds Credentials
	cfg   *config.Config

	mu         sync.Mutex
	state      State
	sig        signalingLink
	desc       *signaling.Description
	tr         mediaTransport
	br         frameBridge
	ssrcByUser map[string]uint32
	fatalErr   error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Open negotiates a voice connection to dest and returns a session with
// the media path running. ctx bounds only the initial negotiation. A nil
// cfg loads defaults from the environment.
func Open(ctx context.Context, dest Destination, creds Credentials, cfg *config.Config) (*VoiceSession, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}

	s := &VoiceSession{
		ID:         uuid.NewString(),
		dest:       dest,
		creds:      creds,
		cfg:        cfg,
		state:      StateIdle,
		ssrcByUser: make(map[string]uint32),
		done:       make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.setState(StateNegotiating)
	if err := s.negotiate(ctx); err != nil {
		s.cancel()
		close(s.done)
		s.setState(StateClosed)
		return nil, err
	}
	s.setState(StateMediaReady)

	go s.supervise()
	return s, nil
}

// State returns the current lifecycle state.
func (s *VoiceSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that closed the session, if any.
func (s *VoiceSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Description returns the negotiated media parameters.
func (s *VoiceSession) Description() *signaling.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// WriteFrame hands one host frame to the media path. It never blocks;
// outside MediaReady and Active it fails fast with a StateError. The
// first successful frame marks the session Active.
func (s *VoiceSession) WriteFrame(f *bridge.Frame) error {
	br, err := s.mediaPath("write frame")
	if err != nil {
		return err
	}
	if err := br.WriteFrame(f); err != nil {
		return err
	}
	s.markActive()
	return nil
}

// ReadFrame returns the next inbound frame, or nil when none is ready. It
// never blocks; outside MediaReady and Active it fails fast with a
// StateError.
func (s *VoiceSession) ReadFrame() (*bridge.Frame, error) {
	br, err := s.mediaPath("read frame")
	if err != nil {
		return nil, err
	}
	f, ok := br.ReadFrame()
	if !ok {
		return nil, nil
	}
	s.markActive()
	return f, nil
}

func (s *VoiceSession) mediaPath(op string) (frameBridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateMediaReady, StateActive:
		return s.br, nil
	default:
		return nil, &StateError{Op: op, State: s.state}
	}
}

func (s *VoiceSession) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateMediaReady {
		s.logTransition(s.state, StateActive)
		s.state = StateActive
	}
}

// Close tears the leg down. Idempotent; the second call returns nil
// without effect and the state stays Closed.
func (s *VoiceSession) Close() error {
	s.closeOnce.Do(func() {
		if s.State() != StateClosed {
			s.setState(StateClosing)
		}
		s.cancel()
		<-s.done
		s.teardown()
		s.setState(StateClosed)
	})
	return nil
}

// negotiate builds a fresh transport, drives the signaling handshake with
// UDP discovery wired to the transport, and attaches the bridge.
func (s *VoiceSession) negotiate(ctx context.Context) error {
	tr := newTransport(transport.Config{
		DiscoveryTimeout:  s.cfg.Transport.DiscoveryTimeout,
		KeepAliveInterval: s.cfg.Transport.KeepAliveInterval,
		QueueSize:         s.cfg.Transport.QueueSize,
	})

	discover := func(dctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error) {
		return tr.Start(dctx, remote, ssrc)
	}

	sig, desc, err := connectVoice(ctx, s.signalingConfig(), s.signalingParams(), discover)
	if err != nil {
		tr.Close()
		return err
	}
	if err := tr.EnableCrypto(desc.Mode, desc.SecretKey); err != nil {
		sig.Close()
		tr.Close()
		return err
	}
	br, err := newBridge(bridge.Config{
		ReorderWindow: s.cfg.Bridge.ReorderWindow,
		OutboundQueue: s.cfg.Bridge.OutboundQueue,
		InboundQueue:  s.cfg.Bridge.InboundQueue,
	}, tr, tr.Packets())
	if err != nil {
		sig.Close()
		tr.Close()
		return err
	}

	s.mu.Lock()
	s.sig, s.desc, s.tr, s.br = sig, desc, tr, br
	s.mu.Unlock()
	return nil
}

func (s *VoiceSession) signalingConfig() signaling.Config {
	return signaling.Config{
		HandshakeTimeout: s.cfg.Signaling.HandshakeTimeout,
		EventQueue:       s.cfg.Signaling.EventQueue,
	}
}

func (s *VoiceSession) signalingParams() signaling.Params {
	return signaling.Params{
		Endpoint:  s.creds.Endpoint,
		ServerID:  s.dest.ServerID,
		ChannelID: s.dest.ChannelID,
		UserID:    s.creds.UserID,
		SessionID: s.creds.SessionID,
		Token:     s.creds.Token,
	}
}

// supervise routes lifecycle events and failure signals until the session
// closes. Recoverable failures go through reconnect; fatal ones close the
// session with the error recorded.
func (s *VoiceSession) supervise() {
	defer close(s.done)

	for {
		s.mu.Lock()
		sig, tr := s.sig, s.tr
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		case ev := <-sig.Events():
			if !s.handleEvent(ev) {
				return
			}
		case err := <-tr.Errors():
			logrus.WithFields(logrus.Fields{
				"function": "VoiceSession.supervise",
				"session":  s.ID,
				"error":    err.Error(),
			}).Warn("Media transport failed, reconnecting")
			if !s.reconnect(true) {
				return
			}
		}
	}
}

// handleEvent reacts to one signaling event. It reports whether
// supervision continues.
func (s *VoiceSession) handleEvent(ev signaling.Event) bool {
	switch e := ev.(type) {
	case signaling.SpeakingEvent:
		s.mapSSRC(e.UserID, e.SSRC)
	case signaling.ClientConnectEvent:
		s.mapSSRC(e.UserID, e.SSRC)
	case signaling.ClientDisconnectEvent:
		s.unmapSSRC(e.UserID)
	case signaling.StaleEvent:
		logrus.WithFields(logrus.Fields{
			"function":    "VoiceSession.handleEvent",
			"session":     s.ID,
			"missed_acks": e.MissedAcks,
		}).Warn("Signaling went stale, reconnecting")
		return s.reconnect(false)
	case signaling.ClosedEvent:
		if signaling.FatalCloseCode(e.Code) {
			s.closeWithError(&signaling.NegotiationError{
				Reason: "server closed the session",
				Code:   e.Code,
				Fatal:  true,
				Err:    e.Err,
			})
			return false
		}
		logrus.WithFields(logrus.Fields{
			"function": "VoiceSession.handleEvent",
			"session":  s.ID,
			"code":     e.Code,
		}).Warn("Signaling connection closed, reconnecting")
		return s.reconnect(false)
	}
	return true
}

// reconnect re-establishes the leg with exponential backoff. A signaling
// failure tries resume first, keeping the media path; a rejected resume or
// a transport failure rebuilds everything. It reports whether supervision
// continues.
func (s *VoiceSession) reconnect(full bool) bool {
	s.setState(StateReconnecting)

	backoff := s.cfg.Session.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 1; attempt <= s.cfg.Session.MaxReconnectAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return false
		}

		logrus.WithFields(logrus.Fields{
			"function": "VoiceSession.reconnect",
			"session":  s.ID,
			"attempt":  attempt,
			"full":     full,
		}).Info("Reconnecting voice session")

		var err error
		if full {
			err = s.fullReconnect()
		} else {
			err = s.resumeReconnect()
			if errors.Is(err, signaling.ErrResumeRejected) {
				// The old session is gone server-side; only a full
				// negotiation can help from here.
				full = true
			}
		}
		if err == nil {
			s.setState(StateActive)
			return true
		}
		if IsFatal(err) {
			s.closeWithError(err)
			return false
		}

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	s.closeWithError(ErrRetriesExhausted)
	return false
}

// resumeReconnect replaces only the control connection, resuming the
// server-side session so the negotiated media parameters stay valid.
func (s *VoiceSession) resumeReconnect() error {
	s.mu.Lock()
	old := s.sig
	s.mu.Unlock()

	seqAck := old.SeqAck()
	old.Close()

	sig, err := resumeVoice(s.ctx, s.signalingConfig(), s.signalingParams(), seqAck)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
	return nil
}

// fullReconnect tears the whole leg down and negotiates from scratch.
func (s *VoiceSession) fullReconnect() error {
	s.teardown()
	return s.negotiate(s.ctx)
}

// teardown closes the three components concurrently; each Close is
// idempotent.
func (s *VoiceSession) teardown() {
	s.mu.Lock()
	sig, tr, br := s.sig, s.tr, s.br
	s.sig, s.tr, s.br = nil, nil, nil
	s.mu.Unlock()

	var g errgroup.Group
	if br != nil {
		g.Go(br.Close)
	}
	if tr != nil {
		g.Go(tr.Close)
	}
	if sig != nil {
		g.Go(sig.Close)
	}
	_ = g.Wait()
}

// closeWithError records the fatal error and moves the session to Closed
// from inside the supervise goroutine.
func (s *VoiceSession) closeWithError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "VoiceSession.closeWithError",
		"session":  s.ID,
		"error":    err.Error(),
	}).Error("Voice session failed")

	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()

	s.teardown()
	s.setState(StateClosed)
	s.cancel()
}

func (s *VoiceSession) mapSSRC(userID string, ssrc uint32) {
	s.mu.Lock()
	prev, known := s.ssrcByUser[userID]
	s.ssrcByUser[userID] = ssrc
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return
	}
	if known && prev != ssrc {
		tr.ForgetSSRC(prev)
	}
	tr.AllowSSRC(ssrc)
}

func (s *VoiceSession) unmapSSRC(userID string) {
	s.mu.Lock()
	ssrc, known := s.ssrcByUser[userID]
	delete(s.ssrcByUser, userID)
	tr := s.tr
	s.mu.Unlock()
	if known && tr != nil {
		tr.ForgetSSRC(ssrc)
	}
}

func (s *VoiceSession) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.logTransition(from, to)
	s.state = to
	s.mu.Unlock()
}

// logTransition is called with mu held.
func (s *VoiceSession) logTransition(from, to State) {
	logrus.WithFields(logrus.Fields{
		"function": "VoiceSession",
		"session":  s.ID,
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Session state changed")
}
