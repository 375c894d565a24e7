package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/discordvoice/crypto"
)

const (
	testSSRC   = uint32(41771)
	testRemote = "127.0.0.1:4010"
)

var testParams = Params{
	Endpoint:  "", // filled per test with the mock server URL
	ServerID:  "guild-1",
	ChannelID: "general",
	UserID:    "user-9",
	SessionID: "sess-abc",
	Token:     "tok",
}

// gatewayScript drives the server side of one mock voice-gateway
// connection. Assertions inside a script use assert, not require, because
// the script runs off the test goroutine.
type gatewayScript func(ctx context.Context, t *testing.T, c *websocket.Conn)

func startGateway(t *testing.T, script gatewayScript) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		script(r.Context(), t, c)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func readGatewayPayload(ctx context.Context, c *websocket.Conn) (payload, error) {
	_, data, err := c.Read(ctx)
	if err != nil {
		return payload{}, err
	}
	var p payload
	return p, json.Unmarshal(data, &p)
}

func writeGatewayOp(ctx context.Context, c *websocket.Conn, op Opcode, seq int64, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload{Op: op, Seq: seq, D: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func testKey() []int {
	key := make([]int, crypto.KeySize)
	for i := range key {
		key[i] = i
	}
	return key
}

// awaitGatewayOp reads until a non-heartbeat payload arrives. Heartbeats
// can interleave with handshake messages because the client starts its
// heartbeat loop right after hello; they are acknowledged (or swallowed)
// here so scripts see only the ops they expect.
func awaitGatewayOp(ctx context.Context, c *websocket.Conn, ack bool) (payload, error) {
	for {
		p, err := readGatewayPayload(ctx, c)
		if err != nil {
			return payload{}, err
		}
		if p.Op != OpHeartbeat {
			return p, nil
		}
		if ack {
			var hb heartbeatData
			if json.Unmarshal(p.D, &hb) == nil {
				_ = writeGatewayOp(ctx, c, OpHeartbeatAck, 0, heartbeatAckData{Nonce: hb.Nonce})
			}
		}
	}
}

// serveHandshake scripts the full identify exchange, calls after (if any)
// once the handshake completes, then pumps heartbeats until the connection
// dies. ack controls whether heartbeats are acknowledged.
func serveHandshake(interval float64, ack bool, after gatewayScript) gatewayScript {
	return func(ctx context.Context, t *testing.T, c *websocket.Conn) {
		if err := writeGatewayOp(ctx, c, OpHello, 1, helloData{HeartbeatInterval: interval}); err != nil {
			return
		}

		p, err := awaitGatewayOp(ctx, c, ack)
		if err != nil {
			return
		}
		assert.Equal(t, OpIdentify, p.Op)
		var id identifyData
		assert.NoError(t, json.Unmarshal(p.D, &id))
		assert.Equal(t, "guild-1", id.ServerID)
		assert.Equal(t, "sess-abc", id.SessionID)
		assert.Equal(t, "tok", id.Token)

		err = writeGatewayOp(ctx, c, OpReady, 2, readyData{
			SSRC:  testSSRC,
			IP:    "127.0.0.1",
			Port:  4010,
			Modes: []string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix", "xsalsa20_poly1305_lite"},
		})
		if err != nil {
			return
		}

		p, err = awaitGatewayOp(ctx, c, ack)
		if err != nil {
			return
		}
		assert.Equal(t, OpSelectProtocol, p.Op)
		var sel selectProtocolData
		assert.NoError(t, json.Unmarshal(p.D, &sel))
		assert.Equal(t, "udp", sel.Protocol)
		assert.Equal(t, "203.0.113.5", sel.Data.Address)
		assert.Equal(t, uint16(50000), sel.Data.Port)
		assert.Equal(t, "xsalsa20_poly1305_suffix", sel.Data.Mode)

		err = writeGatewayOp(ctx, c, OpSessionDescription, 3, sessionDescriptionData{
			Mode:      sel.Data.Mode,
			SecretKey: testKey(),
		})
		if err != nil {
			return
		}

		p, err = awaitGatewayOp(ctx, c, ack)
		if err != nil {
			return
		}
		assert.Equal(t, OpSpeaking, p.Op)
		var sp speakingData
		assert.NoError(t, json.Unmarshal(p.D, &sp))
		assert.Equal(t, speakingMicrophone, sp.Speaking)
		assert.Equal(t, testSSRC, sp.SSRC)

		if after != nil {
			after(ctx, t, c)
		}

		for {
			p, err := readGatewayPayload(ctx, c)
			if err != nil {
				return
			}
			if p.Op == OpHeartbeat && ack {
				var hb heartbeatData
				if json.Unmarshal(p.D, &hb) == nil {
					_ = writeGatewayOp(ctx, c, OpHeartbeatAck, 0, heartbeatAckData{Nonce: hb.Nonce})
				}
			}
		}
	}
}

func stubDiscover(t *testing.T) DiscoverFunc {
	return func(ctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error) {
		assert.Equal(t, testRemote, remote)
		assert.Equal(t, testSSRC, ssrc)
		return netip.MustParseAddrPort("203.0.113.5:50000"), nil
	}
}

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{"bare host gets scheme and version", "voice.example.com:443", "wss://voice.example.com:443/?v=4"},
		{"explicit scheme passes through", "ws://127.0.0.1:9999/mock", "ws://127.0.0.1:9999/mock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gatewayURL(tt.endpoint))
		})
	}
}

func TestConnectHandshake(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(60000, true, nil))

	s, desc, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, testSSRC, desc.SSRC)
	assert.Equal(t, testRemote, desc.RemoteAddr)
	assert.Equal(t, crypto.ModeSuffix, desc.Mode)
	assert.Equal(t, time.Minute, desc.HeartbeatInterval)
	require.Len(t, desc.SecretKey, crypto.KeySize)
	for i, b := range desc.SecretKey {
		assert.Equal(t, byte(i), b)
	}
}

func TestConnectAuthenticationFailure(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, func(ctx context.Context, t *testing.T, c *websocket.Conn) {
		_ = c.Close(websocket.StatusCode(CloseAuthenticationFailed), "authentication failed")
	})

	_, _, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.Error(t, err)

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, CloseAuthenticationFailed, ne.Code)
	assert.True(t, ne.Fatal)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, func(ctx context.Context, t *testing.T, c *websocket.Conn) {
		// Say nothing; the client must give up on its own.
		<-ctx.Done()
	})

	cfg := Config{HandshakeTimeout: 150 * time.Millisecond}
	_, _, err := Connect(context.Background(), cfg, params, stubDiscover(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestConnectDiscoveryFailure(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(60000, true, nil))

	boom := errors.New("discovery exploded")
	_, _, err := Connect(context.Background(), Config{}, params,
		func(ctx context.Context, remote string, ssrc uint32) (netip.AddrPort, error) {
			return netip.AddrPort{}, boom
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestHeartbeatsAcknowledged(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(20, true, nil))

	s, _, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.NoError(t, err)
	defer s.Close()

	// Long enough for a dozen heartbeat rounds; none may go stale.
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-s.Events():
			if _, stale := ev.(StaleEvent); stale {
				t.Fatal("session went stale despite acknowledged heartbeats")
			}
		case <-deadline:
			return
		}
	}
}

func TestMissedAcksMarkSessionStale(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(25, false, nil))

	s, _, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.NoError(t, err)
	defer s.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if st, ok := ev.(StaleEvent); ok {
				assert.GreaterOrEqual(t, st.MissedAcks, 2)
				return
			}
		case <-deadline:
			t.Fatal("no stale event despite unacknowledged heartbeats")
		}
	}
}

func TestPeerEventsDispatched(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(60000, true,
		func(ctx context.Context, t *testing.T, c *websocket.Conn) {
			_ = writeGatewayOp(ctx, c, OpSpeaking, 5, speakingData{
				Speaking: speakingMicrophone, SSRC: 777, UserID: "peer-1",
			})
			_ = writeGatewayOp(ctx, c, OpClientConnect, 6, clientConnectData{
				UserID: "peer-2", AudioSSRC: 888,
			})
			_ = writeGatewayOp(ctx, c, OpClientDisconnect, 7, clientDisconnectData{
				UserID: "peer-1",
			})
		}))

	s, _, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.NoError(t, err)
	defer s.Close()

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-s.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("received %d of 3 expected events", len(got))
		}
	}

	assert.Equal(t, SpeakingEvent{UserID: "peer-1", SSRC: 777}, got[0])
	assert.Equal(t, ClientConnectEvent{UserID: "peer-2", SSRC: 888}, got[1])
	assert.Equal(t, ClientDisconnectEvent{UserID: "peer-1"}, got[2])

	// Sequence numbers from the server advance the resume cursor.
	assert.Equal(t, int64(7), s.SeqAck())
}

func TestResumeAccepted(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, func(ctx context.Context, t *testing.T, c *websocket.Conn) {
		if err := writeGatewayOp(ctx, c, OpHello, 0, helloData{HeartbeatInterval: 60000}); err != nil {
			return
		}
		p, err := readGatewayPayload(ctx, c)
		if err != nil {
			return
		}
		assert.Equal(t, OpResume, p.Op)
		var r resumeData
		assert.NoError(t, json.Unmarshal(p.D, &r))
		assert.Equal(t, "sess-abc", r.SessionID)
		assert.Equal(t, int64(42), r.SeqAck)

		if err := writeGatewayOp(ctx, c, OpResumed, 43, struct{}{}); err != nil {
			return
		}
		for {
			if _, err := readGatewayPayload(ctx, c); err != nil {
				return
			}
		}
	})

	s, err := Resume(context.Background(), Config{}, params, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(43), s.SeqAck())
	require.NoError(t, s.Close())
}

func TestResumeRejected(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, func(ctx context.Context, t *testing.T, c *websocket.Conn) {
		if err := writeGatewayOp(ctx, c, OpHello, 0, helloData{HeartbeatInterval: 60000}); err != nil {
			return
		}
		if _, err := readGatewayPayload(ctx, c); err != nil {
			return
		}
		_ = c.Close(websocket.StatusCode(CloseSessionNoLongerValid), "session expired")
	})

	_, err := Resume(context.Background(), Config{}, params, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResumeRejected)
}

func TestCloseIsIdempotent(t *testing.T) {
	params := testParams
	params.Endpoint = startGateway(t, serveHandshake(60000, true, nil))

	s, _, err := Connect(context.Background(), Config{}, params, stubDiscover(t))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
