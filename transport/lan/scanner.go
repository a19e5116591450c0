package lan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"nearbychat/transport"
)

// peerScanner browses mDNS periodically and reports endpoints appearing and
// disappearing. A peer that drops out of a scan is kept until it has been
// missing for PeerStaleAfter, so one lossy scan does not flap it.
type peerScanner struct {
	cfg    Config
	selfID string
	opts   transport.Options
	browse browseFunc
	now    func() time.Time

	onFound func(discoveredPeer)
	onLost  func(discoveredPeer)

	mu    sync.Mutex
	peers map[string]discoveredPeer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newPeerScanner(cfg Config, selfID string, opts transport.Options, onFound, onLost func(discoveredPeer)) (*peerScanner, error) {
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver()
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &peerScanner{
		cfg:     cfg,
		selfID:  selfID,
		opts:    opts,
		browse:  browse,
		now:     time.Now,
		onFound: onFound,
		onLost:  onLost,
		peers:   make(map[string]discoveredPeer),
	}, nil
}

func (s *peerScanner) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
}

func (s *peerScanner) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *peerScanner) loop() {
	defer s.wg.Done()

	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *peerScanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]discoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes its channel when browsing ends.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.selfID, s.opts)
				if !ok {
					continue
				}
				peer.LastSeen = s.now()
				collected[peer.EndpointID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		s.cfg.Logger.WithError(err).Warn("mDNS browse failed")
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	// A stopped scanner must not report a partial window.
	if errors.Is(s.ctx.Err(), context.Canceled) {
		return
	}
	s.applySnapshot(collected)
}

func (s *peerScanner) applySnapshot(next map[string]discoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, peer := range next {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.onFound(peer)
		}
	}

	for id, peer := range s.peers {
		if _, exists := next[id]; exists {
			continue
		}
		if now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.peers, id)
		s.onLost(peer)
	}
}
