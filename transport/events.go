package transport

// Event is one of the typed lifecycle notifications below.
type Event interface {
	Endpoint() string
}

// Status is the outcome of a connection negotiation.
type Status int

const (
	StatusOK Status = iota
	StatusRejected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type EndpointFound struct {
	EndpointID string
	Name       string
	ServiceID  string
	Info       []byte
}

type EndpointLost struct {
	EndpointID string
}

// ConnectionInitiated is raised on both the requesting and the receiving side.
// AuthDigits are identical on both ends of the same link.
type ConnectionInitiated struct {
	EndpointID string
	PeerName   string
	AuthDigits string
	Incoming   bool
}

// ConnectionResolved is raised once both sides decided, or the link failed.
type ConnectionResolved struct {
	EndpointID string
	Status     Status
}

type PayloadReceived struct {
	EndpointID string
	Payload    Payload
}

// Disconnected reports that a connected peer went away.
type Disconnected struct {
	EndpointID string
}

func (e EndpointFound) Endpoint() string       { return e.EndpointID }
func (e EndpointLost) Endpoint() string        { return e.EndpointID }
func (e ConnectionInitiated) Endpoint() string { return e.EndpointID }
func (e ConnectionResolved) Endpoint() string  { return e.EndpointID }
func (e PayloadReceived) Endpoint() string     { return e.EndpointID }
func (e Disconnected) Endpoint() string        { return e.EndpointID }
