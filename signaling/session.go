package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/discordvoice/crypto"
)

// Params identifies the voice connection to negotiate. Endpoint, SessionID
// and Token come from the host's voice-server assignment; ServerID and
// UserID identify the leg.
type Params struct {
	Endpoint  string
	ServerID  string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
}

// Description holds the negotiated session parameters the media transport
// needs. It is written once during Connect and immutable afterwards.
type Description struct {
	SSRC              uint32
	RemoteAddr        string
	Mode              crypto.Mode
	SecretKey         []byte
	HeartbeatInterval time.Duration
}

// DiscoverFunc performs UDP IP discovery against the voice server and
// returns the externally visible address to report in select-protocol. The
// supervisor wires this to transport.Start.
type DiscoverFunc func(ctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error)

// Config carries the signaling tunables. Zero values select the defaults.
type Config struct {
	// HandshakeTimeout bounds each Connect or Resume handshake end to end.
	HandshakeTimeout time.Duration
	// EventQueue is the capacity of the lifecycle event channel.
	EventQueue int
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventQueue       = 32

	// writeTimeout bounds a single control-message write.
	writeTimeout = 5 * time.Second

	// readLimit bounds one control message; gateway payloads are small.
	readLimit = 1 << 20
)

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.EventQueue <= 0 {
		c.EventQueue = defaultEventQueue
	}
}

// Session is one live control connection. Its read and heartbeat loops run
// until Close or a connection failure; lifecycle notifications arrive on
// Events.
type Session struct {
	cfg    Config
	params Params

	conn *websocket.Conn
	ssrc uint32

	events  chan Event
	inbound chan payload
	acks    chan uint64

	seqAck      atomic.Int64
	closeStatus atomic.Int32

	sendMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// gatewayURL builds the voice gateway URL. Endpoints that already carry a
// scheme are used verbatim, which lets tests point a session at a local
// mock server.
func gatewayURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "wss://" + endpoint + "/?v=4"
}

func newSession(cfg Config, params Params, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		params:  params,
		conn:    conn,
		events:  make(chan Event, cfg.EventQueue),
		inbound: make(chan payload, 16),
		acks:    make(chan uint64, 2),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect opens the control connection and drives the full identify
// handshake: hello, identify, ready, UDP discovery via discover, select
// protocol, session description. On success the session's heartbeat loop
// is already running and a speaking indicator has been sent so the server
// forwards audio. Every step shares one deadline; authentication
// rejections come back as fatal NegotiationErrors.
func Connect(ctx context.Context, cfg Config, params Params, discover DiscoverFunc) (*Session, *Description, error) {
	cfg.applyDefaults()

	logrus.WithFields(logrus.Fields{
		"function":  "Connect",
		"endpoint":  params.Endpoint,
		"server_id": params.ServerID,
		"channel":   params.ChannelID,
	}).Info("Connecting to voice gateway")

	hctx, cancel := context.WithTimeoutCause(ctx, cfg.HandshakeTimeout, ErrHandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, gatewayURL(params.Endpoint), nil)
	if err != nil {
		return nil, nil, negotiationFailed("dial voice gateway", 0, err)
	}
	conn.SetReadLimit(readLimit)

	s := newSession(cfg, params, conn)
	s.wg.Add(1)
	go s.readLoop()

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	interval, err := s.awaitHello(hctx)
	if err != nil {
		return nil, nil, err
	}
	s.wg.Add(1)
	go s.heartbeatLoop(interval)

	if err := s.send(hctx, OpIdentify, identifyData{
		ServerID:  params.ServerID,
		UserID:    params.UserID,
		SessionID: params.SessionID,
		Token:     params.Token,
	}); err != nil {
		return nil, nil, negotiationFailed("send identify", 0, err)
	}

	readyP, err := s.await(hctx, OpReady)
	if err != nil {
		return nil, nil, err
	}
	var ready readyData
	if err := json.Unmarshal(readyP.D, &ready); err != nil {
		return nil, nil, negotiationFailed("malformed ready payload", 0, err)
	}

	mode, err := crypto.SelectMode(ready.Modes)
	if err != nil {
		return nil, nil, negotiationFailed("no common encryption mode", 0, err)
	}

	remote := net.JoinHostPort(ready.IP, strconv.Itoa(int(ready.Port)))
	public, err := discover(hctx, remote, ready.SSRC)
	if err != nil {
		return nil, nil, negotiationFailed("udp discovery", 0, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Connect",
		"ssrc":        ready.SSRC,
		"remote":      remote,
		"public_addr": public.String(),
		"mode":        mode.String(),
	}).Debug("Discovery complete, selecting protocol")

	if err := s.send(hctx, OpSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: protocolData{
			Address: public.Addr().String(),
			Port:    public.Port(),
			Mode:    mode.String(),
		},
	}); err != nil {
		return nil, nil, negotiationFailed("send select protocol", 0, err)
	}

	descP, err := s.await(hctx, OpSessionDescription)
	if err != nil {
		return nil, nil, err
	}
	var desc sessionDescriptionData
	if err := json.Unmarshal(descP.D, &desc); err != nil {
		return nil, nil, negotiationFailed("malformed session description", 0, err)
	}
	chosen, err := crypto.ParseMode(desc.Mode)
	if err != nil {
		return nil, nil, negotiationFailed("server chose unknown mode", 0, err)
	}
	key, err := desc.key()
	if err != nil {
		return nil, nil, negotiationFailed("malformed secret key", 0, err)
	}
	if len(key) != crypto.KeySize {
		return nil, nil, negotiationFailed(
			fmt.Sprintf("secret key has %d bytes, want %d", len(key), crypto.KeySize), 0, nil)
	}

	s.ssrc = ready.SSRC

	// An initial speaking indicator is required before the server will
	// forward any audio to us.
	if err := s.Speaking(hctx, true); err != nil {
		return nil, nil, negotiationFailed("send speaking", 0, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"ssrc":     ready.SSRC,
		"mode":     chosen.String(),
		"interval": interval,
	}).Info("Voice session negotiated")

	ok = true
	return s, &Description{
		SSRC:              ready.SSRC,
		RemoteAddr:        remote,
		Mode:              chosen,
		SecretKey:         key,
		HeartbeatInterval: interval,
	}, nil
}

// Resume re-attaches to a previous voice session after a transient
// disconnect, skipping the full identify. seqAck is the last sequence
// number the previous session observed. The negotiated media parameters of
// the previous session stay valid. Rejection returns ErrResumeRejected so
// the caller can fall back to a full Connect.
func Resume(ctx context.Context, cfg Config, params Params, seqAck int64) (*Session, error) {
	cfg.applyDefaults()

	logrus.WithFields(logrus.Fields{
		"function":   "Resume",
		"endpoint":   params.Endpoint,
		"session_id": params.SessionID,
		"seq_ack":    seqAck,
	}).Info("Attempting to resume voice session")

	hctx, cancel := context.WithTimeoutCause(ctx, cfg.HandshakeTimeout, ErrHandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, gatewayURL(params.Endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrResumeRejected, err)
	}
	conn.SetReadLimit(readLimit)

	s := newSession(cfg, params, conn)
	s.seqAck.Store(seqAck)
	s.wg.Add(1)
	go s.readLoop()

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	interval, err := s.awaitHello(hctx)
	if err != nil {
		return nil, resumeError(err)
	}
	s.wg.Add(1)
	go s.heartbeatLoop(interval)

	if err := s.send(hctx, OpResume, resumeData{
		ServerID:  params.ServerID,
		SessionID: params.SessionID,
		Token:     params.Token,
		SeqAck:    seqAck,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResumeRejected, err)
	}

	if _, err := s.await(hctx, OpResumed); err != nil {
		return nil, resumeError(err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Resume",
		"session_id": params.SessionID,
	}).Info("Voice session resumed")

	ok = true
	return s, nil
}

// resumeError keeps fatal negotiation errors fatal and folds everything
// else into ErrResumeRejected.
func resumeError(err error) error {
	var ne *NegotiationError
	if errors.As(err, &ne) && ne.Fatal {
		return err
	}
	return fmt.Errorf("%w: %v", ErrResumeRejected, err)
}

// Events delivers session-lifecycle notifications. The channel is never
// closed; callers multiplex it with their own shutdown signal.
func (s *Session) Events() <-chan Event { return s.events }

// SeqAck returns the last server sequence number observed, the input to a
// later Resume.
func (s *Session) SeqAck() int64 { return s.seqAck.Load() }

// Speaking sends the speaking indicator for our own audio stream.
func (s *Session) Speaking(ctx context.Context, on bool) error {
	state := 0
	if on {
		state = speakingMicrophone
	}
	delay := 0
	return s.send(ctx, OpSpeaking, speakingData{
		Speaking: state,
		Delay:    &delay,
		SSRC:     s.ssrc,
	})
}

// Close tears down the control connection and stops both loops. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	s.wg.Wait()
	return nil
}

// send serializes one control message. Writes are mutex-serialized because
// the heartbeat loop and callers share the connection.
func (s *Session) send(ctx context.Context, op Opcode, d interface{}) error {
	data, err := marshalPayload(op, d)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write op %d: %w", op, err)
	}
	return nil
}

// awaitHello waits for the hello message and returns the server-dictated
// heartbeat interval.
func (s *Session) awaitHello(ctx context.Context) (time.Duration, error) {
	p, err := s.await(ctx, OpHello)
	if err != nil {
		return 0, err
	}
	var hello helloData
	if err := json.Unmarshal(p.D, &hello); err != nil {
		return 0, negotiationFailed("malformed hello payload", 0, err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, negotiationFailed("hello without heartbeat interval", 0, nil)
	}
	return time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)), nil
}

// await blocks until the wanted handshake opcode arrives, the deadline
// expires, or the connection dies. Interleaved non-handshake traffic keeps
// flowing through the read loop while we wait.
func (s *Session) await(ctx context.Context, want Opcode) (payload, error) {
	for {
		select {
		case p := <-s.inbound:
			if p.Op == want {
				return p, nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Session.await",
				"want_op":  int(want),
				"got_op":   int(p.Op),
			}).Debug("Skipping out-of-order handshake message")
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause == ErrHandshakeTimeout {
				return payload{}, negotiationFailed(
					fmt.Sprintf("timed out waiting for op %d", want), 0, ErrHandshakeTimeout)
			}
			return payload{}, negotiationFailed("cancelled", 0, ctx.Err())
		case <-s.ctx.Done():
			code := int(s.closeStatus.Load())
			return payload{}, negotiationFailed("connection closed during handshake", code, nil)
		}
	}
}

// readLoop parses every inbound control message and routes it: handshake
// opcodes to the waiters, heartbeat acks to the heartbeat loop, the rest
// converted to lifecycle events. It exits when the connection dies and
// reports the close.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			code := 0
			if status := websocket.CloseStatus(err); status != -1 {
				code = int(status)
			}
			s.closeStatus.Store(int32(code))
			s.emit(ClosedEvent{Code: code, Err: err})
			s.cancel()
			return
		}

		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.readLoop",
				"error":    err.Error(),
			}).Debug("Ignoring unparseable control message")
			continue
		}
		if p.Seq > s.seqAck.Load() {
			s.seqAck.Store(p.Seq)
		}
		s.route(p)
	}
}

func (s *Session) route(p payload) {
	switch p.Op {
	case OpHello, OpReady, OpSessionDescription, OpResumed:
		select {
		case s.inbound <- p:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Session.route",
				"op":       int(p.Op),
			}).Warn("Handshake queue full, dropping message")
		}
	case OpHeartbeatAck:
		var ack heartbeatAckData
		_ = json.Unmarshal(p.D, &ack)
		select {
		case s.acks <- ack.Nonce:
		default:
		}
	case OpSpeaking:
		var sp speakingData
		if err := json.Unmarshal(p.D, &sp); err == nil && sp.UserID != "" {
			s.emit(SpeakingEvent{UserID: sp.UserID, SSRC: sp.SSRC})
		}
	case OpClientConnect:
		var cc clientConnectData
		if err := json.Unmarshal(p.D, &cc); err == nil {
			s.emit(ClientConnectEvent{UserID: cc.UserID, SSRC: cc.AudioSSRC})
		}
	case OpClientDisconnect:
		var cd clientDisconnectData
		if err := json.Unmarshal(p.D, &cd); err == nil {
			s.emit(ClientDisconnectEvent{UserID: cd.UserID})
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Session.route",
			"op":       int(p.Op),
		}).Debug("Ignoring unhandled opcode")
	}
}

// heartbeatLoop sends the keep-alive on the server-dictated interval. Acks
// reset the miss counter; two consecutive misses mark the session stale
// and stop the loop.
func (s *Session) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.acks:
			pending = 0
		case <-ticker.C:
			if pending >= 2 {
				logrus.WithFields(logrus.Fields{
					"function":    "Session.heartbeatLoop",
					"missed_acks": pending,
				}).Warn("Heartbeat acks missed, session is stale")
				s.emit(StaleEvent{MissedAcks: pending})
				return
			}
			if err := s.send(s.ctx, OpHeartbeat, heartbeatData{
				Nonce:  rand.Uint64(),
				SeqAck: s.seqAck.Load(),
			}); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "Session.heartbeatLoop",
					"error":    err.Error(),
				}).Warn("Heartbeat send failed")
				continue
			}
			pending++
		}
	}
}

// emit delivers an event without ever blocking the read loop.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Session.emit",
			"event":    fmt.Sprintf("%T", ev),
		}).Warn("Event queue full, dropping event")
	}
}
