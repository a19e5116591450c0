package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// X25519PublicKeySize is the length of an encoded X25519 public key.
const X25519PublicKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-off key pair for a single link.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// ParseX25519PublicKey validates a peer public key received on the wire.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != X25519PublicKeySize {
		return nil, fmt.Errorf("parse X25519 public key: invalid size %d", len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs the key agreement against a raw peer key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("compute X25519 shared secret: private key is required")
	}
	publicKey, err := ParseX25519PublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	shared, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return shared, nil
}
