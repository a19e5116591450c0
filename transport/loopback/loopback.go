// Package loopback implements transport.Transport entirely in memory. All
// transports joined to the same Medium can discover and connect to each
// other, which makes it the reference transport for tests and demos.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nearbychat/crypto"
	"nearbychat/mailbox"
	"nearbychat/transport"
)

// Medium is the shared "air" between loopback transports.
type Medium struct {
	mu    sync.Mutex
	nodes map[string]*Transport
	links map[pairKey]*link
}

type pairKey struct {
	lo, hi string
}

func keyFor(a, b string) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

type link struct {
	initiator string
	responder string
	connected bool
	accepted  map[string]bool
}

func (l *link) peerOf(id string) string {
	if id == l.initiator {
		return l.responder
	}
	return l.initiator
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		nodes: make(map[string]*Transport),
		links: make(map[pairKey]*link),
	}
}

// Transport is one device attached to a Medium.
type Transport struct {
	medium *Medium
	id     string
	log    logrus.FieldLogger
	events *mailbox.Mailbox[transport.Event]

	// Guarded by medium.mu.
	advertising bool
	advName     string
	advOpts     transport.Options
	advInfo     []byte
	discovering bool
	discOpts    transport.Options
	visible     map[string]bool
	closed      bool
}

var _ transport.Transport = (*Transport)(nil)

// Join attaches a new transport with a fresh endpoint ID.
func (m *Medium) Join(logger logrus.FieldLogger) *Transport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := uuid.NewString()
	t := &Transport{
		medium:  m,
		id:      id,
		log:     logger.WithField("endpoint_id", id),
		events:  mailbox.New[transport.Event](),
		visible: make(map[string]bool),
	}

	m.mu.Lock()
	m.nodes[id] = t
	m.mu.Unlock()
	return t
}

func (t *Transport) LocalEndpointID() string { return t.id }

func (t *Transport) Events() <-chan transport.Event { return t.events.Out() }

func (t *Transport) emit(ev transport.Event) {
	t.events.Put(ev)
}

func (t *Transport) StartAdvertising(ctx context.Context, localName string, opts transport.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if localName == "" {
		return fmt.Errorf("%w: local name is required", transport.ErrInvalidOptions)
	}

	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	t.advertising = true
	t.advName = localName
	t.advOpts = opts.Normalized()
	t.advInfo = opts.AdvertisedInfo(localName)
	for _, observer := range m.nodes {
		m.reveal(observer, t)
	}
	t.log.WithField("service_id", opts.ServiceID).Debug("loopback advertising started")
	return nil
}

func (t *Transport) StopAdvertising() {
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.advertising {
		return
	}
	t.advertising = false
	for _, observer := range m.nodes {
		m.hide(observer, t.id)
	}
}

func (t *Transport) StartDiscovery(ctx context.Context, opts transport.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	// Restarting a scan forgets what was already reported.
	t.discovering = true
	t.discOpts = opts.Normalized()
	t.visible = make(map[string]bool)
	for _, advertiser := range m.nodes {
		m.reveal(t, advertiser)
	}
	return nil
}

func (t *Transport) StopDiscovery() {
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	t.discovering = false
	t.visible = make(map[string]bool)
}

// reveal reports advertiser to observer if the two registrations match.
func (m *Medium) reveal(observer, advertiser *Transport) {
	if observer == advertiser || observer.closed || advertiser.closed {
		return
	}
	if !observer.discovering || !advertiser.advertising {
		return
	}
	if !observer.discOpts.Matches(advertiser.advOpts) || observer.visible[advertiser.id] {
		return
	}
	observer.visible[advertiser.id] = true
	observer.emit(transport.EndpointFound{
		EndpointID: advertiser.id,
		Name:       advertiser.advName,
		ServiceID:  advertiser.advOpts.ServiceID,
		Info:       append([]byte(nil), advertiser.advInfo...),
	})
}

func (m *Medium) hide(observer *Transport, endpointID string) {
	if !observer.visible[endpointID] {
		return
	}
	delete(observer.visible, endpointID)
	observer.emit(transport.EndpointLost{EndpointID: endpointID})
}

func (t *Transport) RequestConnection(ctx context.Context, localName, endpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	target, ok := m.nodes[endpointID]
	if !ok || target.closed || !target.advertising || target == t {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	key := keyFor(t.id, endpointID)
	if _, exists := m.links[key]; exists {
		return fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, endpointID)
	}

	digits, err := linkDigits()
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	m.links[key] = &link{
		initiator: t.id,
		responder: target.id,
		accepted:  make(map[string]bool),
	}
	t.emit(transport.ConnectionInitiated{
		EndpointID: target.id,
		PeerName:   target.advName,
		AuthDigits: digits,
	})
	target.emit(transport.ConnectionInitiated{
		EndpointID: t.id,
		PeerName:   localName,
		AuthDigits: digits,
		Incoming:   true,
	})
	return nil
}

// linkDigits runs the same key agreement as a real link so both sides show
// digits derived from a shared secret.
func linkDigits() (string, error) {
	initiatorKey, initiatorPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return "", err
	}
	_, responderPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return "", err
	}
	shared, err := crypto.ComputeX25519SharedSecret(initiatorKey, responderPublic)
	if err != nil {
		return "", err
	}
	secrets, err := crypto.DeriveLinkSecrets(shared, nil, initiatorPublic, responderPublic)
	if err != nil {
		return "", err
	}
	return secrets.AuthDigits, nil
}

func (t *Transport) AcceptConnection(ctx context.Context, endpointID string) error {
	return t.decide(ctx, endpointID, true)
}

func (t *Transport) RejectConnection(ctx context.Context, endpointID string) error {
	return t.decide(ctx, endpointID, false)
}

func (t *Transport) decide(ctx context.Context, endpointID string, accept bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	key := keyFor(t.id, endpointID)
	l, ok := m.links[key]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	if l.connected {
		return fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, endpointID)
	}

	peer := m.nodes[endpointID]
	if !accept {
		delete(m.links, key)
		t.emit(transport.ConnectionResolved{EndpointID: endpointID, Status: transport.StatusRejected})
		peer.emit(transport.ConnectionResolved{EndpointID: t.id, Status: transport.StatusRejected})
		return nil
	}

	l.accepted[t.id] = true
	if l.accepted[l.initiator] && l.accepted[l.responder] {
		l.connected = true
		t.emit(transport.ConnectionResolved{EndpointID: endpointID, Status: transport.StatusOK})
		peer.emit(transport.ConnectionResolved{EndpointID: t.id, Status: transport.StatusOK})
	}
	return nil
}

func (t *Transport) SendPayload(ctx context.Context, endpointID string, payload transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if payload.Kind != transport.PayloadBytes {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedPayload, payload.Kind)
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	l, ok := m.links[keyFor(t.id, endpointID)]
	if !ok || !l.connected {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}

	data := append([]byte(nil), payload.Bytes...)
	m.nodes[endpointID].emit(transport.PayloadReceived{
		EndpointID: t.id,
		Payload:    transport.Payload{ID: payload.ID, Kind: payload.Kind, Bytes: data},
	})
	return nil
}

func (t *Transport) DisconnectFromEndpoint(endpointID string) {
	m := t.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown(t.id, endpointID, false)
}

// teardown removes the link between a and b. The peer b always learns about
// it; a only when both reports to both sides.
func (m *Medium) teardown(a, b string, both bool) {
	key := keyFor(a, b)
	l, ok := m.links[key]
	if !ok {
		return
	}
	delete(m.links, key)

	notify := []string{b}
	if both {
		notify = append(notify, a)
	}
	for _, id := range notify {
		node, ok := m.nodes[id]
		if !ok {
			continue
		}
		peer := l.peerOf(id)
		if l.connected {
			node.emit(transport.Disconnected{EndpointID: peer})
		} else {
			node.emit(transport.ConnectionResolved{EndpointID: peer, Status: transport.StatusError})
		}
	}
}

// Close detaches the transport. Peers see it vanish and lose their links.
func (t *Transport) Close() error {
	m := t.medium
	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		return nil
	}
	for key, l := range m.links {
		if key.lo == t.id || key.hi == t.id {
			m.teardown(t.id, l.peerOf(t.id), false)
		}
	}
	if t.advertising {
		t.advertising = false
		for _, observer := range m.nodes {
			m.hide(observer, t.id)
		}
	}
	t.closed = true
	delete(m.nodes, t.id)
	m.mu.Unlock()

	t.events.Close()
	return nil
}

// Lose makes observer report endpointID as lost without touching any link,
// the way a radio loses sight of a device that is still nearby.
func (m *Medium) Lose(observerID, endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if observer, ok := m.nodes[observerID]; ok {
		m.hide(observer, endpointID)
	}
}

// Sever breaks the link between a and b as if the radio dropped it. A
// pending link resolves with StatusError on both sides, a connected one
// reports Disconnected on both sides.
func (m *Medium) Sever(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown(a, b, true)
}
