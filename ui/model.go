// Package ui is the terminal front end: a bubbletea program showing the
// discovery view, confirmation prompts and the chat transcript.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nearbychat/models"
)

// Actions are the user commands the model issues. *messenger.Controller
// implements it.
type Actions interface {
	Discover()
	Accept(endpointID string)
	Reject(endpointID string)
	Send(text string)
	Disconnect()
}

type Model struct {
	actions   Actions
	localName string

	discoveryVisible bool
	messagingVisible bool
	discovering      bool
	status           string

	prompts    []models.ConnectionRequest
	transcript []models.Message
	peerName   string

	// awaiting is the endpoint accepted locally whose outcome is not known yet.
	awaiting string

	input  textinput.Model
	width  int
	height int
}

func NewModel(actions Actions, localName string) Model {
	in := textinput.New()
	in.Placeholder = "type a message..."
	in.CharLimit = 4096

	return Model{
		actions:          actions,
		localName:        localName,
		discoveryVisible: true,
		status:           "press d to look for nearby devices",
		input:            in,
		width:            80,
		height:           24,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-4)
		return m, nil

	case confirmationMsg:
		m.prompts = append(m.prompts, msg.req)
		return m, nil

	case dismissMsg:
		m.dismiss(msg.endpointID)
		return m, nil

	case messageMsg:
		m.transcript = append(m.transcript, msg.msg)
		return m, nil

	case pairingFailedMsg:
		if msg.endpointID == m.awaiting && !m.messagingVisible {
			m.awaiting = ""
			m.peerName = ""
			m.status = m.idleStatus()
		}
		return m, nil

	case discoveryVisibleMsg:
		m.discoveryVisible = bool(msg)
		return m, nil

	case messagingVisibleMsg:
		return m.setMessaging(bool(msg))

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.messagingVisible {
			return m.updateMessaging(msg)
		}
		return m.updateDiscovery(msg)
	}
	return m, nil
}

func (m *Model) dismiss(endpointID string) {
	kept := m.prompts[:0]
	for _, p := range m.prompts {
		if p.EndpointID != endpointID {
			kept = append(kept, p)
		}
	}
	m.prompts = kept
}

func (m Model) setMessaging(visible bool) (tea.Model, tea.Cmd) {
	was := m.messagingVisible
	m.messagingVisible = visible
	if visible && !was {
		m.awaiting = ""
		m.transcript = nil
		m.input.Reset()
		m.status = "connected"
		return m, m.input.Focus()
	}
	if !visible && was {
		m.input.Blur()
		m.discovering = false
		m.peerName = ""
		m.status = "disconnected; press d to look again"
	}
	return m, nil
}

func (m Model) updateDiscovery(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "d":
		m.actions.Discover()
		m.discovering = true
		m.status = m.idleStatus()

	case "y":
		if len(m.prompts) > 0 {
			m.peerName = m.prompts[0].PeerName
			m.awaiting = m.prompts[0].EndpointID
			m.actions.Accept(m.prompts[0].EndpointID)
			m.status = "waiting for " + m.prompts[0].PeerName + " to accept..."
		}

	case "n":
		if len(m.prompts) > 0 {
			m.actions.Reject(m.prompts[0].EndpointID)
		}
	}
	return m, nil
}

func (m Model) idleStatus() string {
	if m.discovering {
		return "looking for nearby devices..."
	}
	return "press d to look for nearby devices"
}

func (m Model) updateMessaging(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.actions.Disconnect()
		return m, nil

	case "enter":
		text := m.input.Value()
		if text != "" {
			m.actions.Send(text)
		}
		m.input.Reset()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("nearbychat") + nameStyle.Render("you are "+m.localName) + "\n\n")

	if m.messagingVisible {
		m.renderTranscript(&b)
		b.WriteString("\n" + m.input.View() + "\n")
		b.WriteString(helpStyle.Render("  enter: send  esc: disconnect  ctrl+c: quit"))
		return b.String()
	}

	if m.discoveryVisible {
		b.WriteString(statusStyle.Render(m.status) + "\n\n")
	}
	if len(m.prompts) > 0 {
		b.WriteString(m.renderPrompt(m.prompts[0]) + "\n")
		if more := len(m.prompts) - 1; more > 0 {
			b.WriteString(statusStyle.Render(fmt.Sprintf("%d more waiting", more)) + "\n")
		}
		b.WriteString(helpStyle.Render("  y: accept  n: reject  ctrl+c: quit"))
		return b.String()
	}
	b.WriteString(helpStyle.Render("  d: discover  q: quit"))
	return b.String()
}

func (m Model) renderPrompt(req models.ConnectionRequest) string {
	direction := "wants to connect"
	if !req.Incoming {
		direction = "found; connect?"
	}
	lines := []string{
		fmt.Sprintf("%s %s", req.PeerName, direction),
		"code " + digitsStyle.Render(req.AuthDigits) + "  (check it matches the other device)",
	}
	if !req.ExpiresAt.IsZero() {
		lines = append(lines, statusStyle.Render("expires "+req.ExpiresAt.Format("15:04:05")))
	}
	return promptStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderTranscript(b *strings.Builder) {
	peer := m.peerName
	if peer == "" {
		peer = "peer"
	}

	// keep the newest lines that fit above the input
	rows := max(1, m.height-6)
	start := max(0, len(m.transcript)-rows)
	for _, msg := range m.transcript[start:] {
		if msg.Direction == models.DirectionSent {
			b.WriteString(sentStyle.Render("you: ") + msg.Text + "\n")
		} else {
			b.WriteString(receivedStyle.Render(peer+": ") + msg.Text + "\n")
		}
	}
}
