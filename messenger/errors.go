package messenger

import (
	"errors"

	"nearbychat/transport"
)

var (
	// ErrTransportUnavailable means advertising or discovery could not be
	// registered. It is the transport sentinel so errors.Is matches both.
	ErrTransportUnavailable = transport.ErrTransportUnavailable
	// ErrConnectionRejected means one side declined the pairing.
	ErrConnectionRejected = errors.New("messenger: connection rejected")
	// ErrConnectionError means the pairing failed for a transport reason.
	ErrConnectionError = errors.New("messenger: connection error")
	// ErrStalePeer means a decision targeted a request that no longer exists.
	ErrStalePeer = errors.New("messenger: stale peer")
	// ErrDecodeFailure means a received payload was not valid text.
	ErrDecodeFailure = errors.New("messenger: payload is not valid UTF-8")
	// ErrNoSession means there is nobody to send to.
	ErrNoSession = errors.New("messenger: no active session")
)
