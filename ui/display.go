package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"nearbychat/mailbox"
	"nearbychat/messenger"
	"nearbychat/models"
)

type confirmationMsg struct{ req models.ConnectionRequest }

type dismissMsg struct{ endpointID string }

type messageMsg struct{ msg models.Message }

type pairingFailedMsg struct {
	endpointID string
	outcome    models.PairingOutcome
}

type discoveryVisibleMsg bool

type messagingVisibleMsg bool

// Sender is the part of *tea.Program the display needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Display turns controller callbacks into program messages. Calls never
// block; messages are queued until a program is attached.
type Display struct {
	box  *mailbox.Mailbox[tea.Msg]
	done chan struct{}

	mu       sync.Mutex
	attached bool
}

var _ messenger.Display = (*Display)(nil)

func NewDisplay() *Display {
	return &Display{
		box:  mailbox.New[tea.Msg](),
		done: make(chan struct{}),
	}
}

// Attach starts forwarding queued and future messages to p.
func (d *Display) Attach(p Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attached {
		return
	}
	d.attached = true
	go func() {
		defer close(d.done)
		for msg := range d.box.Out() {
			p.Send(msg)
		}
	}()
}

// Close drops anything still queued and waits for the forwarder to stop.
func (d *Display) Close() {
	d.box.Drop()
	d.mu.Lock()
	attached := d.attached
	d.mu.Unlock()
	if attached {
		<-d.done
	}
}

func (d *Display) ShowConfirmation(req models.ConnectionRequest) {
	d.box.Put(confirmationMsg{req: req})
}

func (d *Display) DismissConfirmation(endpointID string) {
	d.box.Put(dismissMsg{endpointID: endpointID})
}

func (d *Display) AppendMessage(msg models.Message) {
	d.box.Put(messageMsg{msg: msg})
}

func (d *Display) SetDiscoveryVisible(visible bool) {
	d.box.Put(discoveryVisibleMsg(visible))
}

func (d *Display) SetMessagingVisible(visible bool) {
	d.box.Put(messagingVisibleMsg(visible))
}

func (d *Display) PairingFailed(endpointID string, outcome models.PairingOutcome) {
	d.box.Put(pairingFailedMsg{endpointID: endpointID, outcome: outcome})
}
