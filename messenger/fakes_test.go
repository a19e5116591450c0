package messenger

import (
	"context"
	"fmt"
	"sync"

	"nearbychat/mailbox"
	"nearbychat/models"
	"nearbychat/transport"
)

// fakeTransport records every call and lets tests inject events.
type fakeTransport struct {
	events *mailbox.Mailbox[transport.Event]

	mu           sync.Mutex
	calls        []string
	advertiseErr error
	sendErr      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: mailbox.New[transport.Event]()}
}

func (f *fakeTransport) push(ev transport.Event) {
	f.events.Put(ev)
}

func (f *fakeTransport) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTransport) called(call string) bool {
	return f.count(call) > 0
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) StartAdvertising(_ context.Context, localName string, _ transport.Options) error {
	f.record("advertise")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertiseErr
}

func (f *fakeTransport) StopAdvertising() { f.record("stop-advertise") }

func (f *fakeTransport) StartDiscovery(context.Context, transport.Options) error {
	f.record("discover")
	return nil
}

func (f *fakeTransport) StopDiscovery() { f.record("stop-discover") }

func (f *fakeTransport) RequestConnection(_ context.Context, _, endpointID string) error {
	f.record("request:%s", endpointID)
	return nil
}

func (f *fakeTransport) AcceptConnection(_ context.Context, endpointID string) error {
	f.record("accept:%s", endpointID)
	return nil
}

func (f *fakeTransport) RejectConnection(_ context.Context, endpointID string) error {
	f.record("reject:%s", endpointID)
	return nil
}

func (f *fakeTransport) SendPayload(_ context.Context, endpointID string, payload transport.Payload) error {
	f.record("send:%s:%s", endpointID, payload.Bytes)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeTransport) DisconnectFromEndpoint(endpointID string) {
	f.record("disconnect:%s", endpointID)
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events.Out() }

func (f *fakeTransport) LocalEndpointID() string { return "local" }

func (f *fakeTransport) Close() error {
	f.events.Close()
	return nil
}

// recordingDisplay keeps the current state of the screen.
type recordingDisplay struct {
	mu               sync.Mutex
	shown            []models.ConnectionRequest
	dismissed        []string
	messages         []models.Message
	discoveryVisible bool
	messagingVisible bool
	failed           map[string][]models.PairingOutcome
}

func (d *recordingDisplay) ShowConfirmation(req models.ConnectionRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, req)
}

func (d *recordingDisplay) DismissConfirmation(endpointID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissed = append(d.dismissed, endpointID)
}

func (d *recordingDisplay) AppendMessage(msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *recordingDisplay) SetDiscoveryVisible(visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discoveryVisible = visible
}

func (d *recordingDisplay) SetMessagingVisible(visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messagingVisible = visible
}

func (d *recordingDisplay) PairingFailed(endpointID string, outcome models.PairingOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed == nil {
		d.failed = make(map[string][]models.PairingOutcome)
	}
	d.failed[endpointID] = append(d.failed[endpointID], outcome)
}

func (d *recordingDisplay) failures(endpointID string) []models.PairingOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.PairingOutcome(nil), d.failed[endpointID]...)
}

func (d *recordingDisplay) confirmations() []models.ConnectionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.ConnectionRequest(nil), d.shown...)
}

func (d *recordingDisplay) wasDismissed(endpointID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.dismissed {
		if id == endpointID {
			return true
		}
	}
	return false
}

func (d *recordingDisplay) received() []models.Message {
	return d.transcript(models.DirectionReceived)
}

func (d *recordingDisplay) sent() []models.Message {
	return d.transcript(models.DirectionSent)
}

func (d *recordingDisplay) transcript(direction models.Direction) []models.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Message
	for _, m := range d.messages {
		if m.Direction == direction {
			out = append(out, m)
		}
	}
	return out
}

func (d *recordingDisplay) visibility() (discovery, messaging bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discoveryVisible, d.messagingVisible
}

type pairingLog struct {
	mu      sync.Mutex
	records []models.PairingRecord
}

func (p *pairingLog) RecordPairing(_ context.Context, record models.PairingRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *pairingLog) outcomes(endpointID string) []models.PairingOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PairingOutcome
	for _, r := range p.records {
		if r.EndpointID == endpointID {
			out = append(out, r.Outcome)
		}
	}
	return out
}

// blockingRecorder holds every write until release is closed.
type blockingRecorder struct {
	release chan struct{}
	log     pairingLog
}

func (b *blockingRecorder) RecordPairing(ctx context.Context, record models.PairingRecord) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.log.RecordPairing(ctx, record)
}
