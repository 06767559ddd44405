// Package protocol defines the framed control protocol spoken between the
// frpx server and its agents.
//
// Every frame on the wire is a 4-byte big-endian length prefix followed by a
// flat JSON object carrying a "type" discriminator, e.g.
//
//	{"type":"Heartbeat"}
//	{"type":"RequestNewProxyConn","id":"..."}
//
// The same framing is used on both the control channel (long-lived, both
// directions) and the proxy channel (exactly one NewProxyConn frame, then raw
// bytes). Unknown discriminators are a hard error: the peer is speaking a
// different protocol version and the connection must be closed.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the JSON payload of a single frame. Anything larger is
// a framing violation and fails the connection.
const MaxFrameSize = 64 << 10 // 64 KiB

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrUnknownFrame is returned when the "type" discriminator names no
	// known frame variant.
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
)

// Frame type discriminators. These are the exhaustive set of known variants;
// DecodeFrame rejects anything else.
const (
	TypeLogin               = "Login"
	TypeLoginByToken        = "LoginByToken"
	TypeLoginResult         = "LoginResult"
	TypeRegister            = "Register"
	TypeRegisterResult      = "RegisterResult"
	TypeHeartbeat           = "Heartbeat"
	TypeSystemInfo          = "SystemInfo"
	TypeModelList           = "ModelList"
	TypeRequestNewProxyConn = "RequestNewProxyConn"
	TypeNewProxyConn        = "NewProxyConn"
	TypeDisconnect          = "Disconnect"
	TypeError               = "Error"
)

// Frame is implemented by every protocol message.
type Frame interface {
	// FrameType returns the wire discriminator for this variant.
	FrameType() string
}

// Login is the interactive credential exchange, sent agent to server as the
// first frame on a control connection.
type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginByToken re-authenticates with a previously issued token.
type LoginByToken struct {
	Token string `json:"token"`
}

// LoginResult reports the auth outcome. Token is set on a successful
// interactive Login so the agent can persist it for future sessions.
type LoginResult struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// Register enrolls an authenticated agent under a unique client id.
// SystemInfo and Models are optional initial metadata snapshots.
type Register struct {
	ClientID   string      `json:"client_id"`
	Hostname   string      `json:"hostname,omitempty"`
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	Models     []Model     `json:"models,omitempty"`
}

// RegisterResult reports the enrollment outcome.
type RegisterResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Heartbeat is the agent's periodic liveness tick. It carries no fields;
// metadata travels in SystemInfo and ModelList frames.
type Heartbeat struct{}

// SystemInfo carries host resource utilization, collected by the agent and
// stored verbatim by the server for the observability API.
type SystemInfo struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	Hostname    string  `json:"hostname"`
}

// Model describes one model discovered on the agent's local service,
// in the shape of an OpenAI-compatible /v1/models entry.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList replaces the server's last-known model list for the agent.
type ModelList struct {
	Models []Model `json:"models"`
}

// RequestNewProxyConn asks an agent to dial the server's proxy port for the
// named rendezvous. Sent server to agent on the control channel.
type RequestNewProxyConn struct {
	ID string `json:"id"`
}

// NewProxyConn is the first and only frame on a proxy connection; it names
// the pending public connection this socket fulfills.
type NewProxyConn struct {
	ID string `json:"id"`
}

// Disconnect is a graceful server-initiated shutdown of an agent session.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// Error is an out-of-band error report, valid in either direction.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Login) FrameType() string               { return TypeLogin }
func (*LoginByToken) FrameType() string        { return TypeLoginByToken }
func (*LoginResult) FrameType() string         { return TypeLoginResult }
func (*Register) FrameType() string            { return TypeRegister }
func (*RegisterResult) FrameType() string      { return TypeRegisterResult }
func (*Heartbeat) FrameType() string           { return TypeHeartbeat }
func (*SystemInfo) FrameType() string          { return TypeSystemInfo }
func (*ModelList) FrameType() string           { return TypeModelList }
func (*RequestNewProxyConn) FrameType() string { return TypeRequestNewProxyConn }
func (*NewProxyConn) FrameType() string        { return TypeNewProxyConn }
func (*Disconnect) FrameType() string          { return TypeDisconnect }
func (*Error) FrameType() string               { return TypeError }

// Marshal encodes a frame as its flat JSON wire form, with the "type"
// discriminator merged into the variant's own fields.
func Marshal(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", f.FrameType(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", f.FrameType(), err)
	}
	fields["type"] = json.RawMessage(`"` + f.FrameType() + `"`)

	return json.Marshal(fields)
}

// Unmarshal decodes one flat JSON frame into its typed variant.
// Unknown discriminators return ErrUnknownFrame.
func Unmarshal(data []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	var f Frame
	switch probe.Type {
	case TypeLogin:
		f = &Login{}
	case TypeLoginByToken:
		f = &LoginByToken{}
	case TypeLoginResult:
		f = &LoginResult{}
	case TypeRegister:
		f = &Register{}
	case TypeRegisterResult:
		f = &RegisterResult{}
	case TypeHeartbeat:
		f = &Heartbeat{}
	case TypeSystemInfo:
		f = &SystemInfo{}
	case TypeModelList:
		f = &ModelList{}
	case TypeRequestNewProxyConn:
		f = &RequestNewProxyConn{}
	case TypeNewProxyConn:
		f = &NewProxyConn{}
	case TypeDisconnect:
		f = &Disconnect{}
	case TypeError:
		f = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, probe.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("protocol: malformed %s frame: %w", probe.Type, err)
	}
	return f, nil
}

// WriteFrame writes one length-prefixed frame to w. The caller is responsible
// for serializing concurrent writers (see Conn).
func WriteFrame(w io.Writer, f Frame) error {
	payload, err := Marshal(f)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	// A single Write keeps the frame atomic with respect to other writers
	// serialized on the same mutex.
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Short reads are looped
// until the full prefix and payload arrive; EOF mid-frame is a hard error.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	return Unmarshal(payload)
}
