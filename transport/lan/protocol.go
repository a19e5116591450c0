package lan

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"nearbychat/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1024 * 1024
	// MaxPayloadSize bounds the bytes carried by one payload message so the
	// sealed, JSON-encoded frame stays under MaxFrameSize.
	MaxPayloadSize = 512 * 1024
	// DefaultConnectionTimeout bounds dial, handshake and each frame write.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle links.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second

	handshakeNonceSize = 32
)

// Clear-text handshake message types.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeError    = "error"
)

// Sealed message types, exchanged once the link key is established.
const (
	TypeDecision   = "decision"
	TypePayload    = "payload"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Error codes carried by ErrorMessage.
const (
	CodeDuplicateLink   = "duplicate_link"
	CodeServiceMismatch = "service_mismatch"
	CodeVersionMismatch = "version_mismatch"
	CodeNotAdvertising  = "not_advertising"
	CodeBadHandshake    = "bad_handshake"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("lan: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("lan: invalid message type")
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("lan: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("lan: pong timeout")
	// ErrPayloadTooLarge indicates a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("lan: payload exceeds max size")
)

// RemoteError is a handshake refusal reported by the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a link. The dialling side sends it in clear text.
type HelloMessage struct {
	Type            string `json:"type"`
	EndpointID      string `json:"endpoint_id"`
	EndpointName    string `json:"endpoint_name"`
	ServiceID       string `json:"service_id"`
	X25519PublicKey []byte `json:"x25519_public_key"`
	Nonce           []byte `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloAck answers a hello with the responder's key share.
type HelloAck struct {
	Type            string `json:"type"`
	EndpointID      string `json:"endpoint_id"`
	EndpointName    string `json:"endpoint_name"`
	X25519PublicKey []byte `json:"x25519_public_key"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// ErrorMessage reports handshake refusals.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// SealedMessage is the plaintext inside every post-handshake frame.
type SealedMessage struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"seq"`
	Accepted  bool   `json:"accepted,omitempty"`
	PayloadID string `json:"payload_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// sealMessage encodes and seals msg. The sender's endpoint ID is bound as
// additional data so a frame cannot be reflected back to its author.
func sealMessage(key []byte, senderID string, msg SealedMessage) ([]byte, error) {
	plaintext, err := EncodeJSON(msg)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(key, plaintext, []byte(senderID))
}

func openMessage(key []byte, senderID string, frame []byte) (SealedMessage, error) {
	plaintext, err := crypto.Open(key, frame, []byte(senderID))
	if err != nil {
		return SealedMessage{}, err
	}
	var msg SealedMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return SealedMessage{}, fmt.Errorf("decode sealed message: %w", err)
	}
	if msg.Type == "" {
		return SealedMessage{}, ErrInvalidMessageType
	}
	return msg, nil
}

func writeMessage(conn net.Conn, timeout time.Duration, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}
	return WriteFrame(conn, payload)
}

func sendError(conn net.Conn, timeout time.Duration, code, message string) error {
	msg := ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	if code == CodeVersionMismatch {
		msg.SupportedVersions = []int{ProtocolVersion}
	}
	return writeMessage(conn, timeout, msg)
}

func decodeRemoteError(payload []byte) error {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: remote.Code, Message: remote.Message}
}
