// Package lan implements transport.Transport over the local network:
// presence is announced with mDNS and each link is a TCP connection whose
// frames are sealed with a key agreed during a short hello exchange.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"nearbychat/mailbox"
	"nearbychat/transport"
)

// pendingLink reserves an endpoint while a handshake is in flight.
type pendingLink struct {
	outbound  bool
	abandoned bool
}

// Transport is a LAN transport bound to one TCP listener.
type Transport struct {
	cfg      Config
	id       string
	log      logrus.FieldLogger
	events   *mailbox.Mailbox[transport.Event]
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	advertising bool
	advName     string
	advOpts     transport.Options
	broadcaster *broadcaster
	scanner     *peerScanner
	known       map[string]discoveredPeer
	links       map[string]*link
	pending     map[string]*pendingLink
}

var _ transport.Transport = (*Transport)(nil)

// New starts listening for inbound links. Nothing is announced until
// StartAdvertising is called.
func New(config Config) (*Transport, error) {
	cfg := config.withDefaults()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %v", transport.ErrTransportUnavailable, cfg.ListenAddress, err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		id:       id,
		log:      cfg.Logger.WithField("endpoint_id", id),
		events:   mailbox.New[transport.Event](),
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		known:    make(map[string]discoveredPeer),
		links:    make(map[string]*link),
		pending:  make(map[string]*pendingLink),
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) LocalEndpointID() string { return t.id }

func (t *Transport) Events() <-chan transport.Event { return t.events.Out() }

// Addr returns the listening address.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

func (t *Transport) port() int {
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

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
	opts = opts.Normalized()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	t.broadcaster.stop()
	t.broadcaster = nil
	t.advertising = false

	b, err := startBroadcaster(t.cfg, t.id, localName, t.port(), opts)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	t.broadcaster = b
	t.advertising = true
	t.advName = localName
	t.advOpts = opts
	t.log.WithFields(logrus.Fields{"service_id": opts.ServiceID, "port": t.port()}).Info("advertising on LAN")
	return nil
}

func (t *Transport) StopAdvertising() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcaster.stop()
	t.broadcaster = nil
	t.advertising = false
}

func (t *Transport) StartDiscovery(ctx context.Context, opts transport.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	opts = opts.Normalized()

	var s *peerScanner
	s, err := newPeerScanner(t.cfg, t.id, opts,
		func(p discoveredPeer) { t.peerFound(s, p) },
		func(p discoveredPeer) { t.peerLost(s, p) },
	)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	previous := t.scanner
	t.scanner = s
	t.known = make(map[string]discoveredPeer)
	t.mu.Unlock()

	// The old scanner may be blocked delivering a callback that needs t.mu.
	if previous != nil {
		previous.stop()
	}
	s.start()
	return nil
}

func (t *Transport) StopDiscovery() {
	t.mu.Lock()
	s := t.scanner
	t.scanner = nil
	t.mu.Unlock()

	if s != nil {
		s.stop()
	}
}

func (t *Transport) peerFound(s *peerScanner, p discoveredPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.scanner != s {
		return
	}
	t.known[p.EndpointID] = p
	t.emit(transport.EndpointFound{
		EndpointID: p.EndpointID,
		Name:       p.Name,
		ServiceID:  p.ServiceID,
		Info:       append([]byte(nil), p.Info...),
	})
}

func (t *Transport) peerLost(s *peerScanner, p discoveredPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.scanner != s {
		return
	}
	delete(t.known, p.EndpointID)
	t.emit(transport.EndpointLost{EndpointID: p.EndpointID})
}

// RequestConnection dials the endpoint in the background. Both sides raise
// ConnectionInitiated once the hello exchange completes; a failed dial
// resolves with StatusError.
func (t *Transport) RequestConnection(ctx context.Context, localName, endpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.links[endpointID] != nil || t.pending[endpointID] != nil {
		return fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, endpointID)
	}
	peer, ok := t.known[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}

	attempt := &pendingLink{outbound: true}
	t.pending[endpointID] = attempt
	hello := HelloMessage{
		EndpointID:   t.id,
		EndpointName: localName,
		ServiceID:    peer.ServiceID,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dial(attempt, peer, hello)
	}()
	return nil
}

func (t *Transport) dial(attempt *pendingLink, peer discoveredPeer, hello HelloMessage) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectionTimeout)
	defer cancel()

	result, err := dialHandshake(ctx, t.cfg, peer.dialAddresses(), hello, peer.EndpointID)
	log := t.log.WithField("peer_endpoint_id", peer.EndpointID)

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.pending[peer.EndpointID] == attempt && !attempt.abandoned
	if current {
		delete(t.pending, peer.EndpointID)
	}

	if err != nil {
		var remote *RemoteError
		if !current || t.closed || (errors.As(err, &remote) && remote.Code == CodeDuplicateLink) {
			log.WithError(err).Debug("outbound link superseded")
			return
		}
		log.WithError(err).Warn("outbound link failed")
		t.emit(transport.ConnectionResolved{EndpointID: peer.EndpointID, Status: transport.StatusError})
		return
	}

	if !current || t.closed || t.links[peer.EndpointID] != nil {
		_ = result.conn.Close()
		return
	}

	name := result.peerName
	if name == "" {
		name = peer.Name
	}
	l := newLink(t, result.conn, peer.EndpointID, name, result.sessionKey)
	t.links[peer.EndpointID] = l
	t.emit(transport.ConnectionInitiated{
		EndpointID: peer.EndpointID,
		PeerName:   name,
		AuthDigits: result.authDigits,
	})
	l.run()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithError(err).Warn("accept link")
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn)
		}()
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	hello, err := readHello(conn, t.cfg.ConnectionTimeout)
	if err != nil {
		t.log.WithError(err).Debug("inbound handshake failed")
		return
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = sendError(conn, t.cfg.ConnectionTimeout, CodeVersionMismatch, fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion))
		return
	}

	t.mu.Lock()
	code, reason := t.admitLocked(hello)
	if code != "" {
		t.mu.Unlock()
		_ = sendError(conn, t.cfg.ConnectionTimeout, code, reason)
		return
	}
	reservation := &pendingLink{}
	t.pending[hello.EndpointID] = reservation
	localName := t.advName
	t.mu.Unlock()

	result, err := respondHandshake(conn, t.cfg.ConnectionTimeout, hello, t.id, localName)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[hello.EndpointID] == reservation {
		delete(t.pending, hello.EndpointID)
	}
	if err != nil {
		t.log.WithError(err).Debug("inbound handshake failed")
		return
	}
	if t.closed || reservation.abandoned {
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	l := newLink(t, conn, result.peerID, result.peerName, result.sessionKey)
	t.links[result.peerID] = l
	t.emit(transport.ConnectionInitiated{
		EndpointID: result.peerID,
		PeerName:   result.peerName,
		AuthDigits: result.authDigits,
		Incoming:   true,
	})
	l.run()
	closeConn = false
}

// admitLocked decides whether an inbound hello may proceed. When both sides
// dial each other at once, the link dialled by the lower endpoint ID wins.
func (t *Transport) admitLocked(hello HelloMessage) (string, string) {
	switch {
	case t.closed || !t.advertising:
		return CodeNotAdvertising, "endpoint is not advertising"
	case hello.ServiceID != t.advOpts.ServiceID:
		return CodeServiceMismatch, fmt.Sprintf("service %q is not offered", hello.ServiceID)
	case hello.EndpointID == t.id:
		return CodeBadHandshake, "cannot link to self"
	case t.links[hello.EndpointID] != nil:
		return CodeDuplicateLink, "link already exists"
	}

	if p := t.pending[hello.EndpointID]; p != nil {
		if !p.outbound || t.id < hello.EndpointID {
			return CodeDuplicateLink, "link already in progress"
		}
		p.abandoned = true
		delete(t.pending, hello.EndpointID)
	}
	return "", ""
}

func (t *Transport) linkFor(endpointID string) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[endpointID]
}

func (t *Transport) forget(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[l.peerID] == l {
		delete(t.links, l.peerID)
	}
}

func (t *Transport) AcceptConnection(ctx context.Context, endpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := t.linkFor(endpointID)
	if l == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	return l.decide(true)
}

func (t *Transport) RejectConnection(ctx context.Context, endpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := t.linkFor(endpointID)
	if l == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	return l.decide(false)
}

func (t *Transport) SendPayload(ctx context.Context, endpointID string, payload transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if payload.Kind != transport.PayloadBytes {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedPayload, payload.Kind)
	}
	if len(payload.Bytes) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload.Bytes))
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	l := t.linkFor(endpointID)
	if l == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, endpointID)
	}
	return l.sendPayload(payload)
}

func (t *Transport) DisconnectFromEndpoint(endpointID string) {
	t.mu.Lock()
	if p := t.pending[endpointID]; p != nil && p.outbound {
		p.abandoned = true
		delete(t.pending, endpointID)
	}
	l := t.links[endpointID]
	t.mu.Unlock()

	if l != nil {
		l.disconnect()
	}
}

// Close stops discovery and advertising, tears down every link and waits
// for background goroutines. The Events channel is closed afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link)
	for _, p := range t.pending {
		p.abandoned = true
	}
	b := t.broadcaster
	t.broadcaster = nil
	t.advertising = false
	s := t.scanner
	t.scanner = nil
	t.mu.Unlock()

	b.stop()
	if s != nil {
		s.stop()
	}

	var err error
	err = multierr.Append(err, t.listener.Close())
	for _, l := range links {
		err = multierr.Append(err, l.abort())
	}
	t.cancel()
	t.wg.Wait()
	t.events.Close()
	return err
}
