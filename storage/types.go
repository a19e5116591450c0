package storage

import (
	"fmt"
	"time"

	"nearbychat/models"
)

const (
	directionIncoming = "incoming"
	directionOutgoing = "outgoing"
)

// PairingEvent is the SQLite representation of one pairing outcome.
type PairingEvent struct {
	ID         int64
	EndpointID string
	PeerName   string
	AuthDigits string
	Direction  string
	Outcome    string
	Timestamp  int64
}

// PairingEventFilter narrows GetPairingEvents results.
type PairingEventFilter struct {
	EndpointID    string
	Outcome       string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateOutcome(outcome string) error {
	switch models.PairingOutcome(outcome) {
	case models.OutcomeConnected, models.OutcomeRejected, models.OutcomeError,
		models.OutcomeExpired, models.OutcomeLost, models.OutcomeSuperseded,
		models.OutcomeDisconnected:
		return nil
	default:
		return fmt.Errorf("invalid pairing outcome %q", outcome)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case directionIncoming, directionOutgoing:
		return nil
	default:
		return fmt.Errorf("invalid pairing direction %q", direction)
	}
}

func directionOf(incoming bool) string {
	if incoming {
		return directionIncoming
	}
	return directionOutgoing
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
