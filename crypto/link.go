package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// LinkKeySize is the size of the symmetric key protecting a link.
	LinkKeySize = 32
	// AuthDigitsLength is how many decimal digits both users compare.
	AuthDigitsLength = 4

	linkInfo = "nearbychat-link-v1"
)

var authDigitsModulus = func() uint64 {
	m := uint64(1)
	for i := 0; i < AuthDigitsLength; i++ {
		m *= 10
	}
	return m
}()

// LinkSecrets are derived identically by both ends of a link.
type LinkSecrets struct {
	SessionKey []byte
	AuthDigits string
}

// DeriveLinkSecrets expands an X25519 shared secret into the link key and the
// human-comparable authentication digits. Public keys are bound in the
// initiator-then-responder order so both sides derive the same output.
func DeriveLinkSecrets(sharedSecret, nonce, initiatorPublicKey, responderPublicKey []byte) (LinkSecrets, error) {
	if len(sharedSecret) == 0 {
		return LinkSecrets{}, errors.New("shared secret is required")
	}
	if len(initiatorPublicKey) == 0 || len(responderPublicKey) == 0 {
		return LinkSecrets{}, errors.New("both public keys are required")
	}

	info := make([]byte, 0, len(linkInfo)+len(initiatorPublicKey)+len(responderPublicKey))
	info = append(info, linkInfo...)
	info = append(info, initiatorPublicKey...)
	info = append(info, responderPublicKey...)

	reader := hkdf.New(sha256.New, sharedSecret, nonce, info)
	out := make([]byte, LinkKeySize+8)
	if _, err := io.ReadFull(reader, out); err != nil {
		return LinkSecrets{}, fmt.Errorf("derive link secrets: %w", err)
	}

	digits := binary.BigEndian.Uint64(out[LinkKeySize:]) % authDigitsModulus
	return LinkSecrets{
		SessionKey: out[:LinkKeySize],
		AuthDigits: fmt.Sprintf("%0*d", AuthDigitsLength, digits),
	}, nil
}
