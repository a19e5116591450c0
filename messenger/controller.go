// Package messenger drives discovery, pairing and the single messaging
// session on top of a transport.Transport.
//
// Everything happens on one loop goroutine: transport events, user commands
// and confirmation timeouts are serialized there, so the registry, the
// pending requests and the session need no locking of their own.
package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"nearbychat/identity"
	"nearbychat/mailbox"
	"nearbychat/metrics"
	"nearbychat/models"
	"nearbychat/transport"
)

const (
	// DefaultServiceID scopes discovery to peers running this application.
	DefaultServiceID = "com.vungn.nearbyconnection.SERVICE_ID"
	// DefaultConfirmTimeout is how long a confirmation prompt stays open.
	DefaultConfirmTimeout = 60 * time.Second
	// NoConfirmTimeout keeps prompts open until answered.
	NoConfirmTimeout time.Duration = -1

	recordTimeout = 5 * time.Second
)

// PairingRecorder stores an audit trail of pairing outcomes.
type PairingRecorder interface {
	RecordPairing(ctx context.Context, record models.PairingRecord) error
}

// Options configures a Controller. Only Transport is required.
type Options struct {
	Transport transport.Transport
	Display   Display

	ServiceID string
	Strategy  transport.Strategy
	// ConfirmTimeout bounds the accept/reject window. Zero selects
	// DefaultConfirmTimeout and a negative value disables expiry.
	ConfirmTimeout time.Duration
	LostTombstones int

	// Names generates the local display name. Defaults to identity.Generate.
	Names    func() string
	Clock    clock.Clock
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	Pairings PairingRecorder
}

func (o Options) withDefaults() Options {
	out := o
	if out.Display == nil {
		out.Display = nopDisplay{}
	}
	if out.ServiceID == "" {
		out.ServiceID = DefaultServiceID
	}
	if out.Strategy == "" {
		out.Strategy = transport.StrategyCluster
	}
	if out.ConfirmTimeout == 0 {
		out.ConfirmTimeout = DefaultConfirmTimeout
	}
	if out.Names == nil {
		out.Names = identity.Generate
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type view struct {
	peer       models.PeerEndpoint
	hasSession bool
	pending    []models.ConnectionRequest
}

// Controller is the messaging state machine.
type Controller struct {
	opts      Options
	tr        transport.Transport
	display   Display
	clock     clock.Clock
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	localName string

	discovery  *discoveryManager
	negotiator *negotiator
	session    *Session
	commands   *mailbox.Mailbox[func()]

	// records serializes audit writes off the loop.
	records     *mailbox.Mailbox[func()]
	recordsDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	closed      bool

	viewMu sync.RWMutex
	view   view
}

// New builds a controller. The local name is generated here and reused for
// advertising and every outgoing request.
func New(options Options) (*Controller, error) {
	if options.Transport == nil {
		return nil, errors.New("messenger: transport is required")
	}
	opts := options.withDefaults()
	tOpts := transport.Options{ServiceID: opts.ServiceID, Strategy: opts.Strategy}
	if err := tOpts.Validate(); err != nil {
		return nil, err
	}

	localName := opts.Names()
	log := opts.Logger.WithField("local_name", localName)

	discovery, err := newDiscoveryManager(opts.Transport, tOpts, opts.Clock, opts.LostTombstones, log)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:      opts,
		tr:        opts.Transport,
		display:   opts.Display,
		clock:     opts.Clock,
		log:       log,
		metrics:   opts.Metrics,
		localName: localName,
		discovery: discovery,
		commands:  mailbox.New[func()](),
		done:      make(chan struct{}),

		records:     mailbox.New[func()](),
		recordsDone: make(chan struct{}),
	}
	c.negotiator = newNegotiator(opts.Transport, opts.Clock, opts.ConfirmTimeout, c.post, log)
	c.negotiator.onExpire = c.confirmationExpired
	return c, nil
}

// LocalName is the name announced to peers.
func (c *Controller) LocalName() string {
	return c.localName
}

// ActiveSession returns the connected peer, if any.
func (c *Controller) ActiveSession() (models.PeerEndpoint, bool) {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.peer, c.view.hasSession
}

// PendingRequests lists the confirmation prompts currently open.
func (c *Controller) PendingRequests() []models.ConnectionRequest {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return append([]models.ConnectionRequest(nil), c.view.pending...)
}

// Start shows the discovery view, begins advertising and runs the loop
// until ctx is cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.closed {
		return errors.New("messenger: controller closed")
	}
	if c.started {
		return errors.New("messenger: controller already started")
	}
	c.started = true

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.display.SetDiscoveryVisible(true)
	c.display.SetMessagingVisible(false)

	go c.writeRecords()
	go c.loop()
	c.post(c.advertise)
	return nil
}

// Discover starts (or restarts) scanning for peers.
func (c *Controller) Discover() {
	c.post(func() {
		c.advertise()
		if err := c.discovery.startDiscovery(c.ctx); err != nil {
			c.log.WithError(err).Warn("discovery unavailable")
			return
		}
		c.log.Info("discovering peers")
	})
}

// Send relays text to the active session.
func (c *Controller) Send(text string) {
	c.post(func() {
		if text == "" {
			return
		}
		if c.session == nil {
			c.log.WithError(ErrNoSession).Debug("dropping message")
			return
		}
		msg, err := c.session.Send(c.ctx, text)
		if err != nil {
			c.log.WithError(err).Warn("send failed")
			return
		}
		c.metrics.Message(string(models.DirectionSent))
		c.display.AppendMessage(msg)
	})
}

// Accept confirms the pairing with endpointID.
func (c *Controller) Accept(endpointID string) {
	c.post(func() { c.decide(endpointID, true) })
}

// Reject declines the pairing with endpointID.
func (c *Controller) Reject(endpointID string) {
	c.post(func() { c.decide(endpointID, false) })
}

// Disconnect ends the active session and returns to discovery.
func (c *Controller) Disconnect() {
	c.post(func() {
		if c.session == nil {
			return
		}
		c.session.Close()
		c.endSession()
	})
}

// Close stops the loop, disconnects the session and withdraws from the
// network. The transport itself is left open for its owner to close.
func (c *Controller) Close() {
	c.lifecycleMu.Lock()
	if c.closed {
		c.lifecycleMu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.lifecycleMu.Unlock()

	if started {
		c.cancel()
		<-c.done
		c.records.Close()
		<-c.recordsDone
	}
	c.commands.Drop()
	c.records.Drop()
}

func (c *Controller) post(fn func()) {
	c.commands.Put(fn)
}

func (c *Controller) loop() {
	defer close(c.done)

	events := c.tr.Events()
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case ev, ok := <-events:
			if !ok {
				c.log.Warn("transport event stream closed")
				events = nil
				continue
			}
			c.handleEvent(ev)
		case fn, ok := <-c.commands.Out():
			if !ok {
				c.shutdown()
				return
			}
			fn()
		}
		c.publish()
	}
}

func (c *Controller) shutdown() {
	if c.session != nil {
		c.session.Close()
		c.endSession()
	}
	for _, req := range c.negotiator.confirmations() {
		_ = c.tr.RejectConnection(context.Background(), req.EndpointID)
		c.display.DismissConfirmation(req.EndpointID)
	}
	c.negotiator.clear()
	c.discovery.stop()
	c.publish()
}

func (c *Controller) publish() {
	v := view{pending: c.negotiator.confirmations()}
	if c.session != nil {
		v.peer = c.session.Peer()
		v.hasSession = true
	}
	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()
}

func (c *Controller) advertise() {
	if err := c.discovery.startAdvertising(c.ctx, c.localName); err != nil {
		c.log.WithError(err).Warn("advertising unavailable")
	}
}

func (c *Controller) handleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.EndpointFound:
		c.onEndpointFound(e)
	case transport.EndpointLost:
		c.onEndpointLost(e)
	case transport.ConnectionInitiated:
		c.onConnectionInitiated(e)
	case transport.ConnectionResolved:
		c.onConnectionResolved(e)
	case transport.PayloadReceived:
		c.onPayloadReceived(e)
	case transport.Disconnected:
		c.onDisconnected(e)
	default:
		c.log.WithField("event", ev).Debug("ignoring unknown transport event")
	}
}

func (c *Controller) onEndpointFound(e transport.EndpointFound) {
	c.metrics.FoundEndpoint()
	endpoint := c.discovery.found(e)
	log := c.log.WithFields(logrus.Fields{"endpoint_id": e.EndpointID, "peer_name": e.Name})
	log.Info("endpoint found")

	if c.session != nil {
		log.Debug("session active; not requesting")
		return
	}
	if c.negotiator.has(e.EndpointID) {
		return
	}
	if err := c.tr.RequestConnection(c.ctx, c.localName, e.EndpointID); err != nil {
		if errors.Is(err, transport.ErrAlreadyConnected) {
			log.Debug("link already in progress")
			return
		}
		log.WithError(err).Warn("request connection failed")
		return
	}
	c.negotiator.requested(endpoint, c.localName)
}

func (c *Controller) onEndpointLost(e transport.EndpointLost) {
	c.metrics.LostEndpoint()
	c.discovery.markLost(e.EndpointID)
	log := c.log.WithField("endpoint_id", e.EndpointID)
	log.Info("endpoint lost")

	if c.session != nil && c.session.Peer().ID == e.EndpointID {
		return
	}
	p, ok := c.negotiator.resolved(e.EndpointID)
	if !ok {
		return
	}
	if p.state == stateAwaitingConfirmation {
		c.display.DismissConfirmation(e.EndpointID)
	}
	c.tr.DisconnectFromEndpoint(e.EndpointID)
	c.record(p.request, models.OutcomeLost)
}

func (c *Controller) onConnectionInitiated(e transport.ConnectionInitiated) {
	c.metrics.Initiated(e.Incoming)
	log := c.log.WithFields(logrus.Fields{"endpoint_id": e.EndpointID, "peer_name": e.PeerName, "incoming": e.Incoming})

	refuse := ""
	switch {
	case c.session != nil:
		refuse = "session already active"
	case c.discovery.isLost(e.EndpointID):
		refuse = "endpoint was lost"
	}
	if refuse != "" {
		c.negotiator.resolved(e.EndpointID)
		if err := c.tr.RejectConnection(c.ctx, e.EndpointID); err != nil {
			log.WithError(err).Debug("reject connection failed")
		}
		log.WithField("reason", refuse).Info("connection refused")
		c.record(models.ConnectionRequest{
			EndpointID: e.EndpointID,
			PeerName:   e.PeerName,
			AuthDigits: e.AuthDigits,
			Incoming:   e.Incoming,
		}, models.OutcomeRejected)
		return
	}

	req := c.negotiator.initiated(c.ctx, e, c.localName)
	log.WithField("auth_digits", req.AuthDigits).Info("confirmation requested")
	c.display.ShowConfirmation(req)
}

func (c *Controller) onConnectionResolved(e transport.ConnectionResolved) {
	c.metrics.Resolved(e.Status.String())
	log := c.log.WithFields(logrus.Fields{"endpoint_id": e.EndpointID, "status": e.Status})

	p, ok := c.negotiator.resolved(e.EndpointID)
	if ok && p.state == stateAwaitingConfirmation {
		c.display.DismissConfirmation(e.EndpointID)
	}

	switch e.Status {
	case transport.StatusOK:
		if !ok {
			log.Warn("unexpected connection; disconnecting")
			c.tr.DisconnectFromEndpoint(e.EndpointID)
			return
		}
		if c.session != nil {
			log.Warn("second connection superseded by active session")
			c.tr.DisconnectFromEndpoint(e.EndpointID)
			c.record(p.request, models.OutcomeSuperseded)
			return
		}
		c.establish(p.request)
	case transport.StatusRejected:
		log.WithError(ErrConnectionRejected).Info("connection rejected")
		if ok {
			c.record(p.request, models.OutcomeRejected)
		}
	default:
		log.WithError(ErrConnectionError).Warn("connection failed")
		if ok {
			c.record(p.request, models.OutcomeError)
		}
	}
}

func (c *Controller) establish(req models.ConnectionRequest) {
	peer, ok := c.discovery.lookup(req.EndpointID)
	if !ok {
		peer = models.PeerEndpoint{ID: req.EndpointID, ServiceID: c.opts.ServiceID, FoundAt: c.clock.Now()}
	}
	if req.PeerName != "" {
		peer.Name = req.PeerName
	}
	c.discovery.release(req.EndpointID)

	session := newSession(c.tr, peer, c.clock, c.log)
	session.OnReceive(func(msg models.Message) {
		c.metrics.Message(string(models.DirectionReceived))
		c.display.AppendMessage(msg)
	})
	session.OnDisconnected(c.endSession)
	c.session = session

	for _, other := range c.negotiator.rejectOthers(c.ctx, req.EndpointID) {
		c.display.DismissConfirmation(other.EndpointID)
	}

	c.metrics.SetActiveSession(true)
	c.display.SetDiscoveryVisible(false)
	c.display.SetMessagingVisible(true)
	c.record(req, models.OutcomeConnected)
	c.log.WithFields(logrus.Fields{"endpoint_id": peer.ID, "peer_name": peer.Name}).Info("session established")
}

// endSession drops the session and reverts the display to discovery.
func (c *Controller) endSession() {
	if c.session == nil {
		return
	}
	peer := c.session.Peer()
	c.session = nil

	c.metrics.SetActiveSession(false)
	c.display.SetMessagingVisible(false)
	c.display.SetDiscoveryVisible(true)
	c.record(models.ConnectionRequest{EndpointID: peer.ID, PeerName: peer.Name}, models.OutcomeDisconnected)
	c.log.WithField("endpoint_id", peer.ID).Info("session ended")
}

func (c *Controller) onPayloadReceived(e transport.PayloadReceived) {
	if c.session == nil || c.session.Peer().ID != e.EndpointID {
		c.log.WithField("endpoint_id", e.EndpointID).Debug("payload outside session dropped")
		return
	}
	if err := c.session.deliver(e.Payload); err != nil {
		c.metrics.DecodeFailure()
		c.log.WithError(err).Warn("dropping undecodable payload")
	}
}

func (c *Controller) onDisconnected(e transport.Disconnected) {
	if c.session == nil || c.session.Peer().ID != e.EndpointID {
		return
	}
	c.session.peerDisconnected()
}

func (c *Controller) decide(endpointID string, accept bool) {
	var err error
	if accept {
		err = c.negotiator.accept(c.ctx, endpointID)
	} else {
		err = c.negotiator.reject(c.ctx, endpointID)
	}

	log := c.log.WithFields(logrus.Fields{"endpoint_id": endpointID, "accept": accept})
	switch {
	case errors.Is(err, ErrStalePeer):
		log.WithError(err).Debug("decision on stale request ignored")
		return
	case err != nil:
		log.WithError(err).Warn("decision not delivered")
	}
	c.display.DismissConfirmation(endpointID)
}

func (c *Controller) confirmationExpired(req models.ConnectionRequest) {
	c.metrics.Expired()
	c.display.DismissConfirmation(req.EndpointID)
	c.record(req, models.OutcomeExpired)
	c.log.WithField("endpoint_id", req.EndpointID).Info("confirmation expired")
}

func (c *Controller) record(req models.ConnectionRequest, outcome models.PairingOutcome) {
	switch outcome {
	case models.OutcomeConnected, models.OutcomeDisconnected:
	default:
		c.display.PairingFailed(req.EndpointID, outcome)
	}
	if c.opts.Pairings == nil {
		return
	}
	record := models.PairingRecord{
		EndpointID: req.EndpointID,
		PeerName:   req.PeerName,
		AuthDigits: req.AuthDigits,
		Incoming:   req.Incoming,
		Outcome:    outcome,
		At:         c.clock.Now(),
	}
	c.records.Put(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.opts.Pairings.RecordPairing(ctx, record); err != nil {
			c.log.WithError(err).WithField("endpoint_id", record.EndpointID).Warn("record pairing outcome")
		}
	})
}

// writeRecords runs audit writes in order until Close drains the queue.
func (c *Controller) writeRecords() {
	defer close(c.recordsDone)
	for write := range c.records.Out() {
		write()
	}
}
