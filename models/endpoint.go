package models

import "time"

// PeerEndpoint represents a remote device seen by discovery.
type PeerEndpoint struct {
	ID        string    `json:"endpoint_id"`
	Name      string    `json:"endpoint_name"`
	Info      []byte    `json:"endpoint_info,omitempty"`
	ServiceID string    `json:"service_id"`
	FoundAt   time.Time `json:"found_at"`
}

// DisplayName returns the advertised name, falling back to the endpoint ID.
func (p PeerEndpoint) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
