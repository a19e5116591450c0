package lan

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"nearbychat/crypto"
)

// handshakeResult is what both sides know once hello/hello_ack completed.
type handshakeResult struct {
	conn       net.Conn
	peerID     string
	peerName   string
	sessionKey []byte
	authDigits string
}

// dialHandshake connects to one of addresses and runs the initiator side of
// the handshake.
func dialHandshake(ctx context.Context, cfg Config, addresses []string, hello HelloMessage, expectPeerID string) (handshakeResult, error) {
	var (
		conn    net.Conn
		dialErr error
	)
	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	for _, address := range addresses {
		conn, dialErr = dialer.DialContext(ctx, "tcp", address)
		if dialErr == nil {
			break
		}
	}
	if conn == nil {
		if dialErr == nil {
			dialErr = errors.New("no address to dial")
		}
		return handshakeResult{}, fmt.Errorf("dial %s: %w", expectPeerID, dialErr)
	}

	result, err := initiatorHandshake(conn, cfg.ConnectionTimeout, hello, expectPeerID)
	if err != nil {
		_ = conn.Close()
		return handshakeResult{}, err
	}
	return result, nil
}

func initiatorHandshake(conn net.Conn, timeout time.Duration, hello HelloMessage, expectPeerID string) (handshakeResult, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return handshakeResult{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	privateKey, publicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return handshakeResult{}, err
	}
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return handshakeResult{}, fmt.Errorf("generate handshake nonce: %w", err)
	}

	hello.Type = TypeHello
	hello.X25519PublicKey = publicKey
	hello.Nonce = nonce
	hello.ProtocolVersion = ProtocolVersion
	hello.Timestamp = time.Now().UnixMilli()
	if err := writeMessage(conn, 0, hello); err != nil {
		return handshakeResult{}, fmt.Errorf("send hello: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return handshakeResult{}, fmt.Errorf("read hello ack: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return handshakeResult{}, err
	}
	if msgType == TypeError {
		return handshakeResult{}, decodeRemoteError(payload)
	}
	if msgType != TypeHelloAck {
		return handshakeResult{}, fmt.Errorf("expected %q, got %q", TypeHelloAck, msgType)
	}

	var ack HelloAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return handshakeResult{}, fmt.Errorf("decode hello ack: %w", err)
	}
	if ack.ProtocolVersion != ProtocolVersion {
		return handshakeResult{}, fmt.Errorf("unsupported protocol version %d", ack.ProtocolVersion)
	}
	if ack.EndpointID != expectPeerID {
		return handshakeResult{}, fmt.Errorf("expected endpoint %q, reached %q", expectPeerID, ack.EndpointID)
	}

	shared, err := crypto.ComputeX25519SharedSecret(privateKey, ack.X25519PublicKey)
	if err != nil {
		return handshakeResult{}, err
	}
	secrets, err := crypto.DeriveLinkSecrets(shared, nonce, publicKey, ack.X25519PublicKey)
	if err != nil {
		return handshakeResult{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return handshakeResult{}, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return handshakeResult{
		conn:       conn,
		peerID:     ack.EndpointID,
		peerName:   ack.EndpointName,
		sessionKey: secrets.SessionKey,
		authDigits: secrets.AuthDigits,
	}, nil
}

func readHello(conn net.Conn, timeout time.Duration) (HelloMessage, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if msgType != TypeHello {
		return HelloMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHello, msgType)
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.EndpointID == "" {
		return HelloMessage{}, errors.New("hello without endpoint id")
	}
	return hello, nil
}

// respondHandshake completes the responder side after the hello was vetted.
func respondHandshake(conn net.Conn, timeout time.Duration, hello HelloMessage, localID, localName string) (handshakeResult, error) {
	privateKey, publicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return handshakeResult{}, err
	}
	shared, err := crypto.ComputeX25519SharedSecret(privateKey, hello.X25519PublicKey)
	if err != nil {
		_ = sendError(conn, timeout, CodeBadHandshake, err.Error())
		return handshakeResult{}, err
	}
	if len(hello.Nonce) != handshakeNonceSize {
		_ = sendError(conn, timeout, CodeBadHandshake, "invalid nonce length")
		return handshakeResult{}, fmt.Errorf("invalid handshake nonce length: got %d want %d", len(hello.Nonce), handshakeNonceSize)
	}
	secrets, err := crypto.DeriveLinkSecrets(shared, hello.Nonce, hello.X25519PublicKey, publicKey)
	if err != nil {
		return handshakeResult{}, err
	}

	ack := HelloAck{
		Type:            TypeHelloAck,
		EndpointID:      localID,
		EndpointName:    localName,
		X25519PublicKey: publicKey,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := writeMessage(conn, timeout, ack); err != nil {
		return handshakeResult{}, fmt.Errorf("send hello ack: %w", err)
	}

	return handshakeResult{
		conn:       conn,
		peerID:     hello.EndpointID,
		peerName:   hello.EndpointName,
		sessionKey: secrets.SessionKey,
		authDigits: secrets.AuthDigits,
	}, nil
}
