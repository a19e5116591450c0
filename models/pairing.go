package models

import "time"

// PairingOutcome is how one pairing attempt ended.
type PairingOutcome string

const (
	OutcomeConnected    PairingOutcome = "connected"
	OutcomeRejected     PairingOutcome = "rejected"
	OutcomeError        PairingOutcome = "error"
	OutcomeExpired      PairingOutcome = "expired"
	OutcomeLost         PairingOutcome = "lost"
	OutcomeSuperseded   PairingOutcome = "superseded"
	OutcomeDisconnected PairingOutcome = "disconnected"
)

// PairingRecord is one audit entry about a pairing attempt or session end.
type PairingRecord struct {
	EndpointID string         `json:"endpoint_id"`
	PeerName   string         `json:"peer_name"`
	AuthDigits string         `json:"auth_digits"`
	Incoming   bool           `json:"incoming"`
	Outcome    PairingOutcome `json:"outcome"`
	At         time.Time      `json:"at"`
}
