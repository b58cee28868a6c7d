package connection

import "time"

// State is the lifecycle state of one endpoint.
type State int

const (
	// StateDiscovered means the endpoint was seen and the connection
	// request has not yet been handed to the transport.
	StateDiscovered State = iota
	// StateConnectionRequested means a handshake is in progress.
	StateConnectionRequested
	// StateAccepted means this side accepted the handshake and awaits the result.
	StateAccepted
	// StateConnected means payloads can be exchanged.
	StateConnected
	// StateDisconnected is terminal; the endpoint is removed from the table.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnectionRequested:
		return "connection-requested"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Endpoint is a point-in-time view of one tracked endpoint.
type Endpoint struct {
	ID    string
	Name  string
	State State
	Since time.Time
}
