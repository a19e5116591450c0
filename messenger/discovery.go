package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"nearbychat/models"
	"nearbychat/transport"
)

// DefaultLostTombstones bounds how many lost endpoints are remembered.
const DefaultLostTombstones = 128

// discoveryManager owns advertising, scanning and the registry of endpoints
// currently in range. It is only used from the controller loop.
type discoveryManager struct {
	tr    transport.Transport
	opts  transport.Options
	clock clock.Clock
	log   logrus.FieldLogger

	advertising bool
	discovering bool

	endpoints map[string]models.PeerEndpoint
	// lost remembers endpoints whose EndpointLost was seen, so that a
	// ConnectionInitiated arriving afterwards is not prompted.
	lost *lru.Cache[string, time.Time]
}

func newDiscoveryManager(tr transport.Transport, opts transport.Options, clk clock.Clock, tombstones int, log logrus.FieldLogger) (*discoveryManager, error) {
	if tombstones <= 0 {
		tombstones = DefaultLostTombstones
	}
	lost, err := lru.New[string, time.Time](tombstones)
	if err != nil {
		return nil, fmt.Errorf("create lost endpoint cache: %w", err)
	}
	return &discoveryManager{
		tr:        tr,
		opts:      opts,
		clock:     clk,
		log:       log,
		endpoints: make(map[string]models.PeerEndpoint),
		lost:      lost,
	}, nil
}

// startAdvertising announces localName. It is a no-op once advertising
// succeeded; after a failure the next call tries again.
func (d *discoveryManager) startAdvertising(ctx context.Context, localName string) error {
	if d.advertising {
		return nil
	}
	if err := d.tr.StartAdvertising(ctx, localName, d.opts); err != nil {
		return fmt.Errorf("%w: start advertising: %v", ErrTransportUnavailable, err)
	}
	d.advertising = true
	return nil
}

// startDiscovery starts scanning, or restarts it with an empty registry so
// peers already in range are reported again.
func (d *discoveryManager) startDiscovery(ctx context.Context) error {
	if d.discovering {
		d.tr.StopDiscovery()
		d.discovering = false
	}
	d.endpoints = make(map[string]models.PeerEndpoint)

	if err := d.tr.StartDiscovery(ctx, d.opts); err != nil {
		return fmt.Errorf("%w: start discovery: %v", ErrTransportUnavailable, err)
	}
	d.discovering = true
	return nil
}

func (d *discoveryManager) stop() {
	if d.discovering {
		d.tr.StopDiscovery()
		d.discovering = false
	}
	if d.advertising {
		d.tr.StopAdvertising()
		d.advertising = false
	}
}

func (d *discoveryManager) found(ev transport.EndpointFound) models.PeerEndpoint {
	endpoint := models.PeerEndpoint{
		ID:        ev.EndpointID,
		Name:      ev.Name,
		Info:      append([]byte(nil), ev.Info...),
		ServiceID: ev.ServiceID,
		FoundAt:   d.clock.Now(),
	}
	d.endpoints[ev.EndpointID] = endpoint
	d.lost.Remove(ev.EndpointID)
	return endpoint
}

func (d *discoveryManager) markLost(endpointID string) (models.PeerEndpoint, bool) {
	endpoint, ok := d.endpoints[endpointID]
	delete(d.endpoints, endpointID)
	d.lost.Add(endpointID, d.clock.Now())
	return endpoint, ok
}

func (d *discoveryManager) isLost(endpointID string) bool {
	return d.lost.Contains(endpointID)
}

func (d *discoveryManager) lookup(endpointID string) (models.PeerEndpoint, bool) {
	endpoint, ok := d.endpoints[endpointID]
	return endpoint, ok
}

// release hands the endpoint over to a session.
func (d *discoveryManager) release(endpointID string) {
	delete(d.endpoints, endpointID)
}
