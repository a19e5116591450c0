package messenger

import "nearbychat/models"

// Display is the user-facing surface driven by the Controller. Calls are made
// from the controller loop and must not block.
type Display interface {
	ShowConfirmation(req models.ConnectionRequest)
	DismissConfirmation(endpointID string)
	AppendMessage(msg models.Message)
	SetDiscoveryVisible(visible bool)
	SetMessagingVisible(visible bool)
	// PairingFailed reports that a pairing with endpointID ended without a
	// session. The discovery view stays up.
	PairingFailed(endpointID string, outcome models.PairingOutcome)
}

type nopDisplay struct{}

func (nopDisplay) ShowConfirmation(models.ConnectionRequest)   {}
func (nopDisplay) DismissConfirmation(string)                  {}
func (nopDisplay) AppendMessage(models.Message)                {}
func (nopDisplay) SetDiscoveryVisible(bool)                    {}
func (nopDisplay) SetMessagingVisible(bool)                    {}
func (nopDisplay) PairingFailed(string, models.PairingOutcome) {}
