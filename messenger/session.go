package messenger

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nearbychat/models"
	"nearbychat/transport"
)

// Session is the single established link to a peer. Text goes out as a
// bytes payload and comes back through the OnReceive hook.
type Session struct {
	tr    transport.Transport
	peer  models.PeerEndpoint
	clock clock.Clock
	log   logrus.FieldLogger

	mu             sync.Mutex
	active         bool
	onReceive      func(models.Message)
	onDisconnected func()
}

func newSession(tr transport.Transport, peer models.PeerEndpoint, clk clock.Clock, log logrus.FieldLogger) *Session {
	return &Session{
		tr:     tr,
		peer:   peer,
		clock:  clk,
		log:    log.WithFields(logrus.Fields{"endpoint_id": peer.ID, "peer_name": peer.Name}),
		active: true,
	}
}

// Peer returns the endpoint on the other side.
func (s *Session) Peer() models.PeerEndpoint {
	return s.peer
}

// Active reports whether the session can still send.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnReceive sets the hook invoked for every decoded incoming message.
func (s *Session) OnReceive(fn func(models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = fn
}

// OnDisconnected sets the hook invoked once when the peer goes away.
func (s *Session) OnDisconnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = fn
}

// Send hands text to the transport as one bytes payload. Delivery is not
// acknowledged.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	if !s.Active() {
		return models.Message{}, ErrNoSession
	}

	payload := transport.BytesPayload(uuid.NewString(), []byte(text))
	if err := s.tr.SendPayload(ctx, s.peer.ID, payload); err != nil {
		return models.Message{}, fmt.Errorf("send to %s: %w", s.peer.ID, err)
	}
	return models.Message{
		Direction:  models.DirectionSent,
		Text:       text,
		EndpointID: s.peer.ID,
		At:         s.clock.Now(),
	}, nil
}

// Close tears the link down locally. The peer is told; no hook runs here.
func (s *Session) Close() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()

	if wasActive {
		s.tr.DisconnectFromEndpoint(s.peer.ID)
	}
}

// deliver decodes an incoming payload. Non-bytes payloads are ignored.
func (s *Session) deliver(payload transport.Payload) error {
	if payload.Kind != transport.PayloadBytes {
		s.log.WithField("kind", payload.Kind).Debug("ignoring non-bytes payload")
		return nil
	}
	if !utf8.Valid(payload.Bytes) {
		return fmt.Errorf("%w: payload %s", ErrDecodeFailure, payload.ID)
	}

	msg := models.Message{
		Direction:  models.DirectionReceived,
		Text:       string(payload.Bytes),
		EndpointID: s.peer.ID,
		At:         s.clock.Now(),
	}

	s.mu.Lock()
	fn := s.onReceive
	active := s.active
	s.mu.Unlock()

	if active && fn != nil {
		fn(msg)
	}
	return nil
}

// peerDisconnected marks the session dead and runs the disconnect hook.
func (s *Session) peerDisconnected() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	fn := s.onDisconnected
	s.mu.Unlock()

	if wasActive && fn != nil {
		fn()
	}
}
