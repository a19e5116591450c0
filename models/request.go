package models

import "time"

// ConnectionRequest is a pending pairing waiting for the local user to
// accept or reject it. AuthDigits are shown on both devices and must match.
type ConnectionRequest struct {
	EndpointID string    `json:"endpoint_id"`
	PeerName   string    `json:"peer_name"`
	LocalName  string    `json:"local_name"`
	AuthDigits string    `json:"auth_digits"`
	Incoming   bool      `json:"incoming"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the decision window has closed at now. A zero
// ExpiresAt never expires.
func (r ConnectionRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
