package messenger

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearbychat/metrics"
	"nearbychat/models"
	"nearbychat/transport"
	"nearbychat/transport/loopback"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	c        *Controller
	display  *recordingDisplay
	pairings *pairingLog
	metrics  *metrics.Metrics
}

func startController(t *testing.T, tr transport.Transport, name string, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		display:  &recordingDisplay{},
		pairings: &pairingLog{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	opts := Options{
		Transport: tr,
		Display:   h.display,
		ServiceID: "test.service",
		Names:     func() string { return name },
		Logger:    quietLogger(),
		Metrics:   h.metrics,
		Pairings:  h.pairings,
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	h.c = c
	return h
}

// flush waits until every command posted so far has run.
func flush(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("controller loop did not drain")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}

// await waits for cond, then for the loop step that satisfied it and any
// pairing writes it queued.
func (h *harness) await(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	eventually(t, cond, msg)
	flush(t, h.c)
	flushRecords(t, h.c)
}

func flushRecords(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	c.records.Put(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("pairing writer did not drain")
	}
}

// connectFake drives the fake transport into an established session with e1.
func connectFake(t *testing.T, tr *fakeTransport, h *harness) {
	t.Helper()
	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "0420", Incoming: true})
	tr.push(transport.ConnectionResolved{EndpointID: "e1", Status: transport.StatusOK})
	h.await(t, func() bool {
		_, ok := h.c.ActiveSession()
		return ok
	}, "session with e1")
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewGeneratesFiveDigitName(t *testing.T) {
	c, err := New(Options{Transport: newFakeTransport(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	assert.Regexp(t, `^[0-9]{5}$`, c.LocalName())
}

func TestStartShowsDiscoveryAndAdvertises(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	discovery, messaging := h.display.visibility()
	assert.True(t, discovery)
	assert.False(t, messaging)

	flush(t, h.c)
	assert.True(t, tr.called("advertise"))
	assert.Error(t, h.c.Start(context.Background()))
}

func TestAdvertiseFailureIsNotFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.advertiseErr = errors.New("radio off")
	h := startController(t, tr, "12345", nil)

	flush(t, h.c)
	assert.Equal(t, 1, tr.count("advertise"))

	h.c.Discover()
	flush(t, h.c)
	assert.True(t, tr.called("discover"))
	assert.Equal(t, 2, tr.count("advertise"))
}

func TestFoundEndpointIsRequested(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	tr.push(transport.EndpointFound{EndpointID: "e1", Name: "10001", ServiceID: "test.service"})
	h.await(t, func() bool { return tr.called("request:e1") }, "request for e1")

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1234"})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "confirmation shown")

	req := h.display.confirmations()[0]
	assert.Equal(t, "1234", req.AuthDigits)
	assert.Equal(t, "12345", req.LocalName)
	assert.False(t, req.Incoming)
	assert.False(t, req.ExpiresAt.IsZero())
	assert.Len(t, h.c.PendingRequests(), 1)
}

func TestLostEndpointIsNotPrompted(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	tr.push(transport.EndpointFound{EndpointID: "e1", Name: "10001"})
	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1234"})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "confirmation shown")

	tr.push(transport.EndpointLost{EndpointID: "e1"})
	h.await(t, func() bool { return h.display.wasDismissed("e1") }, "prompt dismissed")
	assert.True(t, tr.called("disconnect:e1"))
	assert.Equal(t, []models.PairingOutcome{models.OutcomeLost}, h.pairings.outcomes("e1"))

	// The peer tries again while still tombstoned.
	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "9999", Incoming: true})
	h.await(t, func() bool { return tr.called("reject:e1") }, "late initiation rejected")
	assert.Len(t, h.display.confirmations(), 1)
	assert.Empty(t, h.c.PendingRequests())

	// Seeing it again clears the tombstone.
	tr.push(transport.EndpointFound{EndpointID: "e1", Name: "10001"})
	h.await(t, func() bool { return tr.count("request:e1") == 2 }, "second request")
}

func TestSessionEstablishedAndMessagesFlow(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	h.c.Send("too early")
	flush(t, h.c)

	connectFake(t, tr, h)
	peer, _ := h.c.ActiveSession()
	assert.Equal(t, "10001", peer.Name)
	discovery, messaging := h.display.visibility()
	assert.False(t, discovery)
	assert.True(t, messaging)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSession))
	assert.Equal(t, []models.PairingOutcome{models.OutcomeConnected}, h.pairings.outcomes("e1"))
	assert.Empty(t, h.display.failures("e1"))

	h.c.Send("")
	h.c.Send("hello")
	flush(t, h.c)
	assert.False(t, tr.called("send:e1:too early"))
	assert.False(t, tr.called("send:e1:"))
	assert.True(t, tr.called("send:e1:hello"))
	require.Len(t, h.display.sent(), 1)
	assert.Equal(t, "hello", h.display.sent()[0].Text)

	tr.push(transport.PayloadReceived{EndpointID: "e1", Payload: transport.BytesPayload("p1", []byte("hi there"))})
	h.await(t, func() bool { return len(h.display.received()) == 1 }, "message displayed")
	assert.Equal(t, "hi there", h.display.received()[0].Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Messages.WithLabelValues("received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Messages.WithLabelValues("sent")))
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)
	connectFake(t, tr, h)

	tr.push(transport.PayloadReceived{EndpointID: "e1", Payload: transport.BytesPayload("p1", []byte{0xff, 0xfe, 0xfd})})
	h.await(t, func() bool { return testutil.ToFloat64(h.metrics.DecodeFailures) == 1 }, "decode failure counted")
	assert.Empty(t, h.display.received())

	_, ok := h.c.ActiveSession()
	assert.True(t, ok)
}

func TestPeerDisconnectRevertsToDiscovery(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)
	connectFake(t, tr, h)

	tr.push(transport.Disconnected{EndpointID: "e1"})
	h.await(t, func() bool {
		_, ok := h.c.ActiveSession()
		return !ok
	}, "session ended")

	discovery, messaging := h.display.visibility()
	assert.True(t, discovery)
	assert.False(t, messaging)
	assert.False(t, tr.called("disconnect:e1"))
	assert.Equal(t, []models.PairingOutcome{models.OutcomeConnected, models.OutcomeDisconnected}, h.pairings.outcomes("e1"))
}

func TestLocalDisconnect(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)
	connectFake(t, tr, h)

	h.c.Disconnect()
	flush(t, h.c)
	assert.True(t, tr.called("disconnect:e1"))
	_, ok := h.c.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveSession))
	discovery, messaging := h.display.visibility()
	assert.True(t, discovery)
	assert.False(t, messaging)
}

func TestSessionRejectsOtherRequests(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	tr.push(transport.ConnectionInitiated{EndpointID: "e2", PeerName: "10002", AuthDigits: "2222", Incoming: true})
	connectFake(t, tr, h)

	assert.True(t, tr.called("reject:e2"))
	assert.True(t, h.display.wasDismissed("e2"))
	assert.Empty(t, h.c.PendingRequests())

	tr.push(transport.ConnectionResolved{EndpointID: "e2", Status: transport.StatusRejected})
	h.await(t, func() bool { return len(h.pairings.outcomes("e2")) == 1 }, "rejection recorded")
	assert.Equal(t, models.OutcomeRejected, h.pairings.outcomes("e2")[0])

	// A fresh initiation while busy is refused without prompting.
	tr.push(transport.ConnectionInitiated{EndpointID: "e3", PeerName: "10003", AuthDigits: "3333", Incoming: true})
	h.await(t, func() bool { return tr.called("reject:e3") }, "busy rejection")
	assert.Len(t, h.display.confirmations(), 2)

	// Discovery results do not start new pairings either.
	tr.push(transport.EndpointFound{EndpointID: "e4", Name: "10004"})
	flush(t, h.c)
	tr.push(transport.EndpointFound{EndpointID: "e5", Name: "10005"})
	h.await(t, func() bool { return testutil.ToFloat64(h.metrics.EndpointsFound) == 2 }, "found events handled")
	assert.False(t, tr.called("request:e4"))
	assert.False(t, tr.called("request:e5"))
}

func TestSecondConnectionIsSuperseded(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	tr.push(transport.ConnectionInitiated{EndpointID: "e2", PeerName: "10002", AuthDigits: "2222", Incoming: true})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "prompt for e2")
	h.c.Accept("e2")
	flush(t, h.c)
	require.True(t, tr.called("accept:e2"))

	connectFake(t, tr, h)
	assert.False(t, tr.called("reject:e2"))

	tr.push(transport.ConnectionResolved{EndpointID: "e2", Status: transport.StatusOK})
	h.await(t, func() bool { return tr.called("disconnect:e2") }, "second link dropped")
	assert.Equal(t, []models.PairingOutcome{models.OutcomeSuperseded}, h.pairings.outcomes("e2"))

	peer, ok := h.c.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "e1", peer.ID)

	tr.push(transport.ConnectionResolved{EndpointID: "e9", Status: transport.StatusOK})
	h.await(t, func() bool { return tr.called("disconnect:e9") }, "unknown link dropped")
	assert.Empty(t, h.pairings.outcomes("e9"))
}

func TestDecisionOnStaleRequestIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	h.c.Accept("nobody")
	h.c.Reject("nobody")
	flush(t, h.c)
	assert.False(t, tr.called("accept:nobody"))
	assert.False(t, tr.called("reject:nobody"))
	assert.False(t, h.display.wasDismissed("nobody"))
}

func TestRejectDismissesPrompt(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1111", Incoming: true})
	h.await(t, func() bool { return len(h.c.PendingRequests()) == 1 }, "pending request")

	h.c.Reject("e1")
	flush(t, h.c)
	assert.True(t, tr.called("reject:e1"))
	assert.True(t, h.display.wasDismissed("e1"))
	assert.Empty(t, h.c.PendingRequests())

	tr.push(transport.ConnectionResolved{EndpointID: "e1", Status: transport.StatusRejected})
	h.await(t, func() bool { return len(h.pairings.outcomes("e1")) == 1 }, "outcome recorded")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConnectionsResolved.WithLabelValues("rejected")))
}

func TestConfirmationExpires(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	h := startController(t, tr, "12345", func(o *Options) {
		o.Clock = mock
		o.ConfirmTimeout = 10 * time.Second
	})

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1111", Incoming: true})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "prompt shown")
	assert.Equal(t, mock.Now().Add(10*time.Second), h.display.confirmations()[0].ExpiresAt)

	mock.Add(9 * time.Second)
	flush(t, h.c)
	assert.False(t, tr.called("reject:e1"))

	mock.Add(time.Second)
	h.await(t, func() bool { return tr.called("reject:e1") }, "expired request rejected")
	h.await(t, func() bool { return h.display.wasDismissed("e1") }, "prompt dismissed")
	assert.Equal(t, []models.PairingOutcome{models.OutcomeExpired}, h.pairings.outcomes("e1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConfirmationsExpired))
	assert.Equal(t, []models.PairingOutcome{models.OutcomeExpired}, h.display.failures("e1"))

	h.c.Accept("e1")
	flush(t, h.c)
	assert.False(t, tr.called("accept:e1"))
}

func TestAnsweredConfirmationDoesNotExpire(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	h := startController(t, tr, "12345", func(o *Options) {
		o.Clock = mock
		o.ConfirmTimeout = 10 * time.Second
	})

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1111", Incoming: true})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "prompt shown")
	h.c.Accept("e1")
	flush(t, h.c)

	mock.Add(time.Minute)
	flush(t, h.c)
	flush(t, h.c)
	assert.False(t, tr.called("reject:e1"))
	assert.Zero(t, testutil.ToFloat64(h.metrics.ConfirmationsExpired))
}

func TestNoConfirmTimeoutKeepsPromptOpen(t *testing.T) {
	tr := newFakeTransport()
	mock := clock.NewMock()
	h := startController(t, tr, "12345", func(o *Options) {
		o.Clock = mock
		o.ConfirmTimeout = NoConfirmTimeout
	})

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1111", Incoming: true})
	h.await(t, func() bool { return len(h.display.confirmations()) == 1 }, "prompt shown")
	assert.True(t, h.display.confirmations()[0].ExpiresAt.IsZero())

	mock.Add(time.Hour)
	flush(t, h.c)
	assert.False(t, tr.called("reject:e1"))
	assert.Len(t, h.c.PendingRequests(), 1)
}

func TestCloseTearsDown(t *testing.T) {
	tr := newFakeTransport()
	h := startController(t, tr, "12345", nil)
	h.c.Discover()
	connectFake(t, tr, h)

	h.c.Close()
	h.c.Close()

	assert.True(t, tr.called("disconnect:e1"))
	assert.True(t, tr.called("stop-discover"))
	assert.True(t, tr.called("stop-advertise"))
	_, ok := h.c.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, []models.PairingOutcome{models.OutcomeConnected, models.OutcomeDisconnected}, h.pairings.outcomes("e1"))
}

func TestSlowPairingWriterDoesNotStallLoop(t *testing.T) {
	tr := newFakeTransport()
	rec := &blockingRecorder{release: make(chan struct{})}
	h := startController(t, tr, "12345", func(o *Options) { o.Pairings = rec })

	tr.push(transport.ConnectionInitiated{EndpointID: "e1", PeerName: "10001", AuthDigits: "1111", Incoming: true})
	tr.push(transport.ConnectionResolved{EndpointID: "e1", Status: transport.StatusRejected})
	tr.push(transport.ConnectionInitiated{EndpointID: "e2", PeerName: "10002", AuthDigits: "2222", Incoming: true})
	eventually(t, func() bool { return len(h.display.confirmations()) == 2 }, "loop kept handling events")
	flush(t, h.c)
	assert.Empty(t, rec.log.outcomes("e1"))

	close(rec.release)
	h.c.Close()
	assert.Equal(t, []models.PairingOutcome{models.OutcomeRejected}, rec.log.outcomes("e1"))
}

func TestControllersPairOverLoopback(t *testing.T) {
	medium := loopback.NewMedium()
	trA, trB := medium.Join(quietLogger()), medium.Join(quietLogger())
	a := startController(t, trA, "11111", nil)
	b := startController(t, trB, "22222", nil)

	b.c.Discover()
	eventually(t, func() bool {
		return len(a.display.confirmations()) == 1 && len(b.display.confirmations()) == 1
	}, "both sides prompted")

	atA, atB := a.display.confirmations()[0], b.display.confirmations()[0]
	assert.Equal(t, atA.AuthDigits, atB.AuthDigits)
	assert.Equal(t, "22222", atA.PeerName)
	assert.Equal(t, "11111", atB.PeerName)
	assert.True(t, atA.Incoming)
	assert.False(t, atB.Incoming)

	a.c.Accept(trB.LocalEndpointID())
	b.c.Accept(trA.LocalEndpointID())
	eventually(t, func() bool {
		_, okA := a.c.ActiveSession()
		_, okB := b.c.ActiveSession()
		return okA && okB
	}, "sessions established")
	flush(t, a.c)
	flush(t, b.c)
	peerAtB, _ := b.c.ActiveSession()
	assert.Equal(t, "11111", peerAtB.Name)
	assert.Equal(t, []byte("11111"), peerAtB.Info)

	b.c.Send("hello")
	eventually(t, func() bool { return len(a.display.received()) == 1 }, "hello delivered")
	assert.Equal(t, "hello", a.display.received()[0].Text)
	flush(t, b.c)
	require.Len(t, b.display.sent(), 1)
	assert.Equal(t, "hello", b.display.sent()[0].Text)
	assert.Empty(t, b.display.received())
	assert.Empty(t, a.display.sent())

	b.c.Disconnect()
	eventually(t, func() bool {
		_, ok := a.c.ActiveSession()
		return !ok
	}, "peer saw disconnect")
	flush(t, a.c)
	flush(t, b.c)
	for name, h := range map[string]*harness{"A": a, "B": b} {
		discovery, messaging := h.display.visibility()
		assert.True(t, discovery, "%s discovery view", name)
		assert.False(t, messaging, "%s messaging view", name)
	}
}

func TestRejectOverLoopbackResolvesBothSides(t *testing.T) {
	medium := loopback.NewMedium()
	trA, trB := medium.Join(quietLogger()), medium.Join(quietLogger())
	a := startController(t, trA, "11111", nil)
	b := startController(t, trB, "22222", nil)

	b.c.Discover()
	eventually(t, func() bool { return len(a.display.confirmations()) == 1 }, "A prompted")

	a.c.Reject(trB.LocalEndpointID())
	eventually(t, func() bool {
		return len(a.pairings.outcomes(trB.LocalEndpointID())) == 1 &&
			len(b.pairings.outcomes(trA.LocalEndpointID())) == 1
	}, "both sides resolved")
	flush(t, b.c)

	assert.Equal(t, models.OutcomeRejected, b.pairings.outcomes(trA.LocalEndpointID())[0])
	assert.True(t, b.display.wasDismissed(trA.LocalEndpointID()))
	assert.Equal(t, []models.PairingOutcome{models.OutcomeRejected}, b.display.failures(trA.LocalEndpointID()))
	_, ok := b.c.ActiveSession()
	assert.False(t, ok)
	discovery, messaging := b.display.visibility()
	assert.True(t, discovery)
	assert.False(t, messaging)
}
