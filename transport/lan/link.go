package lan

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nearbychat/transport"
)

type linkState int

const (
	// linkAwaiting: handshake done, one or both users have not decided.
	linkAwaiting linkState = iota
	linkConnected
	// linkFinished: resolved as rejected, torn down locally, or failed.
	linkFinished
)

// link is one sealed TCP connection to a peer endpoint.
//
// Lock order is link.mu before Transport.mu. Events about the link are put
// on the transport mailbox while holding mu so they stay ordered with the
// state change that caused them.
type link struct {
	t        *Transport
	conn     net.Conn
	peerID   string
	peerName string
	key      []byte
	log      logrus.FieldLogger

	sendMu  sync.Mutex
	sendSeq uint64
	recvSeq uint64

	mu             sync.Mutex
	state          linkState
	localDecided   bool
	localAccepted  bool
	remoteDecided  bool
	remoteAccepted bool

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	closeErr  error
}

func newLink(t *Transport, conn net.Conn, peerID, peerName string, key []byte) *link {
	l := &link{
		t:        t,
		conn:     conn,
		peerID:   peerID,
		peerName: peerName,
		key:      append([]byte(nil), key...),
		log:      t.log.WithField("peer_endpoint_id", peerID),
		closed:   make(chan struct{}),
	}
	l.touchActivity()
	return l
}

func (l *link) run() {
	l.t.wg.Add(2)
	go func() {
		defer l.t.wg.Done()
		l.readLoop()
	}()
	go func() {
		defer l.t.wg.Done()
		l.keepAliveLoop()
	}()
}

func (l *link) send(msg SealedMessage) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.sendSeq++
	msg.Sequence = l.sendSeq
	msg.Timestamp = time.Now().UnixMilli()

	frame, err := sealMessage(l.key, l.t.id, msg)
	if err != nil {
		return err
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.t.cfg.ConnectionTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(l.conn, frame); err != nil {
		l.closeWithError(err)
		return err
	}
	l.touchActivity()
	return nil
}

// decide records the local user's answer and resolves the link if the peer
// already answered.
func (l *link) decide(accept bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case linkConnected:
		return fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, l.peerID)
	case linkFinished:
		return fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, l.peerID)
	}
	if l.localDecided {
		return nil
	}
	l.localDecided = true
	l.localAccepted = accept

	if !accept {
		l.state = linkFinished
		l.t.emit(transport.ConnectionResolved{EndpointID: l.peerID, Status: transport.StatusRejected})
		err := l.send(SealedMessage{Type: TypeDecision, Accepted: false})
		l.shutdown()
		return err
	}

	if l.remoteAccepted {
		l.state = linkConnected
		l.t.emit(transport.ConnectionResolved{EndpointID: l.peerID, Status: transport.StatusOK})
	}
	return l.send(SealedMessage{Type: TypeDecision, Accepted: true})
}

func (l *link) sendPayload(payload transport.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkConnected {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, l.peerID)
	}
	return l.send(SealedMessage{
		Type:      TypePayload,
		PayloadID: payload.ID,
		Kind:      string(payload.Kind),
		Data:      payload.Bytes,
	})
}

// disconnect tears the link down on local request. No local event is
// raised; the peer observes Disconnected or an error resolution.
func (l *link) disconnect() {
	l.mu.Lock()
	previous := l.state
	l.state = linkFinished
	l.mu.Unlock()

	if previous != linkFinished {
		_ = l.send(SealedMessage{Type: TypeDisconnect})
	}
	l.shutdown()
}

// abort tears the link down immediately, used when the transport closes.
func (l *link) abort() error {
	l.mu.Lock()
	previous := l.state
	l.state = linkFinished
	l.mu.Unlock()

	if previous != linkFinished {
		_ = l.send(SealedMessage{Type: TypeDisconnect})
	}
	return l.closeWithError(nil)
}

// shutdown half-closes the connection so queued frames reach the peer, and
// forces a full close if the peer does not hang up in time.
func (l *link) shutdown() {
	l.t.forget(l)
	if tcp, ok := l.conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err == nil {
			time.AfterFunc(l.t.cfg.KeepAliveTimeout, func() { l.closeWithError(nil) })
			return
		}
	}
	l.closeWithError(nil)
}

func (l *link) readLoop() {
	for {
		select {
		case <-l.closed:
			l.terminate(l.lastError())
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(l.conn, l.t.cfg.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.terminate(l.lastError())
				return
			}
			l.terminate(fmt.Errorf("read frame: %w", err))
			return
		}
		l.touchActivity()

		msg, err := openMessage(l.key, l.peerID, frame)
		if err != nil {
			l.terminate(err)
			return
		}
		if msg.Sequence <= l.recvSeq {
			l.terminate(ErrSequenceReplay)
			return
		}
		l.recvSeq = msg.Sequence

		switch msg.Type {
		case TypePing:
			_ = l.send(SealedMessage{Type: TypePong})
		case TypePong:
			l.ackPong()
		case TypeDecision:
			l.handleDecision(msg.Accepted)
		case TypePayload:
			l.handlePayload(msg)
		case TypeDisconnect:
			l.terminate(nil)
			return
		default:
			l.log.WithField("type", msg.Type).Debug("ignoring unknown link message")
		}
	}
}

func (l *link) handleDecision(accepted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != linkAwaiting || l.remoteDecided {
		return
	}
	l.remoteDecided = true
	l.remoteAccepted = accepted

	if !accepted {
		l.state = linkFinished
		l.t.emit(transport.ConnectionResolved{EndpointID: l.peerID, Status: transport.StatusRejected})
		l.t.forget(l)
		return
	}
	if l.localAccepted {
		l.state = linkConnected
		l.t.emit(transport.ConnectionResolved{EndpointID: l.peerID, Status: transport.StatusOK})
	}
}

func (l *link) handlePayload(msg SealedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != linkConnected {
		l.log.Debug("dropping payload on unconnected link")
		return
	}
	l.t.emit(transport.PayloadReceived{
		EndpointID: l.peerID,
		Payload: transport.Payload{
			ID:    msg.PayloadID,
			Kind:  transport.PayloadKind(msg.Kind),
			Bytes: msg.Data,
		},
	})
}

// terminate reports the end of the link to the local side, unless the link
// already finished, and releases it.
func (l *link) terminate(cause error) {
	l.mu.Lock()
	switch l.state {
	case linkConnected:
		l.t.emit(transport.Disconnected{EndpointID: l.peerID})
	case linkAwaiting:
		l.t.emit(transport.ConnectionResolved{EndpointID: l.peerID, Status: transport.StatusError})
	}
	l.state = linkFinished
	l.mu.Unlock()

	if cause != nil {
		l.log.WithError(cause).Debug("link closed")
	}
	l.closeWithError(cause)
	l.t.forget(l)
}

func (l *link) keepAliveLoop() {
	interval := l.t.cfg.KeepAliveInterval
	checkEvery := interval / 2
	if checkEvery <= 0 {
		checkEvery = interval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.waitingPongExpired() {
				l.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < interval || l.isWaitingPong() {
				continue
			}

			if err := l.send(SealedMessage{Type: TypePing}); err != nil {
				return
			}
			l.setWaitingPong(time.Now().Add(l.t.cfg.KeepAliveTimeout))
		case <-l.t.ctx.Done():
			l.closeWithError(nil)
			return
		case <-l.closed:
			return
		}
	}
}

func (l *link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *link) closeWithError(err error) error {
	var connErr error
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		connErr = l.conn.Close()
		close(l.closed)
	})
	return connErr
}

func (l *link) lastError() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.closeErr
}
