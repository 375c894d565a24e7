package signaling

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies a control message on the voice gateway.
type Opcode int

// Voice gateway opcodes, protocol version 4.
const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpClientConnect      Opcode = 12
	OpClientDisconnect   Opcode = 13
)

// payload is the envelope every control message travels in.
type payload struct {
	Op  Opcode          `json:"op"`
	Seq int64           `json:"seq,omitempty"`
	D   json.RawMessage `json:"d,omitempty"`
}

func marshalPayload(op Opcode, d interface{}) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal op %d data: %w", op, err)
	}
	return json.Marshal(payload{Op: op, D: raw})
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type resumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int64  `json:"seq_ack"`
}

type helloData struct {
	// HeartbeatInterval is in milliseconds, dictated by the server.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type protocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type selectProtocolData struct {
	Protocol string       `json:"protocol"`
	Data     protocolData `json:"data"`
}

type sessionDescriptionData struct {
	Mode string `json:"mode"`
	// SecretKey arrives as a JSON array of byte values, not base64.
	SecretKey []int `json:"secret_key"`
}

func (d *sessionDescriptionData) key() ([]byte, error) {
	key := make([]byte, len(d.SecretKey))
	for i, v := range d.SecretKey {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("secret key byte %d out of range: %d", i, v)
		}
		key[i] = byte(v)
	}
	return key, nil
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    *int   `json:"delay,omitempty"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

// speakingMicrophone is the flag bit for ordinary voice audio.
const speakingMicrophone = 1

type heartbeatData struct {
	Nonce uint64 `json:"t"`
	// SeqAck echoes the last sequence the client saw, used by resume.
	SeqAck int64 `json:"seq_ack"`
}

type heartbeatAckData struct {
	Nonce uint64 `json:"t"`
}

type clientConnectData struct {
	UserID    string `json:"user_id"`
	AudioSSRC uint32 `json:"audio_ssrc"`
}

type clientDisconnectData struct {
	UserID string `json:"user_id"`
}
