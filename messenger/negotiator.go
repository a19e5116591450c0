package messenger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"nearbychat/models"
	"nearbychat/transport"
)

type requestState int

const (
	stateRequested requestState = iota
	stateAwaitingConfirmation
	stateAccepted
	stateRejected
)

func (s requestState) String() string {
	switch s {
	case stateRequested:
		return "requested"
	case stateAwaitingConfirmation:
		return "awaiting_confirmation"
	case stateAccepted:
		return "accepted"
	case stateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type pendingRequest struct {
	request models.ConnectionRequest
	state   requestState
	timer   *clock.Timer
}

func (p *pendingRequest) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// negotiator tracks one pairing per endpoint from request to resolution.
// Like discoveryManager it is confined to the controller loop; timers only
// post back into the loop.
type negotiator struct {
	tr      transport.Transport
	clock   clock.Clock
	timeout time.Duration
	post    func(func())
	log     logrus.FieldLogger

	pending map[string]*pendingRequest

	// onExpire runs on the loop when a confirmation window closes unanswered.
	onExpire func(models.ConnectionRequest)
}

func newNegotiator(tr transport.Transport, clk clock.Clock, timeout time.Duration, post func(func()), log logrus.FieldLogger) *negotiator {
	return &negotiator{
		tr:      tr,
		clock:   clk,
		timeout: timeout,
		post:    post,
		log:     log,
		pending: make(map[string]*pendingRequest),
	}
}

func (n *negotiator) has(endpointID string) bool {
	_, ok := n.pending[endpointID]
	return ok
}

// requested records an outgoing request that has not been initiated yet.
func (n *negotiator) requested(endpoint models.PeerEndpoint, localName string) {
	n.pending[endpoint.ID] = &pendingRequest{
		request: models.ConnectionRequest{
			EndpointID: endpoint.ID,
			PeerName:   endpoint.Name,
			LocalName:  localName,
		},
		state: stateRequested,
	}
}

// initiated opens the confirmation window for ev.
func (n *negotiator) initiated(ctx context.Context, ev transport.ConnectionInitiated, localName string) models.ConnectionRequest {
	p, ok := n.pending[ev.EndpointID]
	if !ok {
		p = &pendingRequest{}
		n.pending[ev.EndpointID] = p
	}
	p.stopTimer()

	p.state = stateAwaitingConfirmation
	p.request = models.ConnectionRequest{
		EndpointID: ev.EndpointID,
		PeerName:   ev.PeerName,
		LocalName:  localName,
		AuthDigits: ev.AuthDigits,
		Incoming:   ev.Incoming,
	}

	if n.timeout > 0 {
		p.request.ExpiresAt = n.clock.Now().Add(n.timeout)
		endpointID := ev.EndpointID
		p.timer = n.clock.AfterFunc(n.timeout, func() {
			n.post(func() { n.expire(ctx, endpointID, p) })
		})
	}
	return p.request
}

func (n *negotiator) awaiting(endpointID string) (*pendingRequest, error) {
	p, ok := n.pending[endpointID]
	if !ok || p.state != stateAwaitingConfirmation {
		return nil, fmt.Errorf("%w: %s", ErrStalePeer, endpointID)
	}
	return p, nil
}

func (n *negotiator) accept(ctx context.Context, endpointID string) error {
	p, err := n.awaiting(endpointID)
	if err != nil {
		return err
	}
	p.stopTimer()
	p.state = stateAccepted
	if err := n.tr.AcceptConnection(ctx, endpointID); err != nil {
		return fmt.Errorf("accept %s: %w", endpointID, err)
	}
	return nil
}

func (n *negotiator) reject(ctx context.Context, endpointID string) error {
	p, err := n.awaiting(endpointID)
	if err != nil {
		return err
	}
	p.stopTimer()
	p.state = stateRejected
	if err := n.tr.RejectConnection(ctx, endpointID); err != nil {
		return fmt.Errorf("reject %s: %w", endpointID, err)
	}
	return nil
}

// expire rejects p if it is still the request waiting for endpointID.
func (n *negotiator) expire(ctx context.Context, endpointID string, p *pendingRequest) {
	if n.pending[endpointID] != p || p.state != stateAwaitingConfirmation {
		return
	}
	p.timer = nil
	delete(n.pending, endpointID)
	if err := n.tr.RejectConnection(ctx, endpointID); err != nil {
		n.log.WithError(err).WithField("endpoint_id", endpointID).Debug("reject expired request")
	}
	if n.onExpire != nil {
		n.onExpire(p.request)
	}
}

// resolved ends the negotiation for endpointID and returns what was pending.
func (n *negotiator) resolved(endpointID string) (*pendingRequest, bool) {
	p, ok := n.pending[endpointID]
	if !ok {
		return nil, false
	}
	p.stopTimer()
	delete(n.pending, endpointID)
	return p, true
}

// rejectOthers declines every request still awaiting confirmation except
// keep, returning the requests that were declined.
func (n *negotiator) rejectOthers(ctx context.Context, keep string) []models.ConnectionRequest {
	var out []models.ConnectionRequest
	for id, p := range n.pending {
		if id == keep || p.state != stateAwaitingConfirmation {
			continue
		}
		if err := n.reject(ctx, id); err != nil {
			n.log.WithError(err).WithField("endpoint_id", id).Debug("reject competing request")
		}
		out = append(out, p.request)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// confirmations lists requests the user still has to answer.
func (n *negotiator) confirmations() []models.ConnectionRequest {
	out := make([]models.ConnectionRequest, 0, len(n.pending))
	for _, p := range n.pending {
		if p.state == stateAwaitingConfirmation {
			out = append(out, p.request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

func (n *negotiator) clear() {
	for id, p := range n.pending {
		p.stopTimer()
		delete(n.pending, id)
	}
}
