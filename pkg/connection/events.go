package connection

import "github.com/maniwani/parrot/pkg/protocol"

// EventType labels one lifecycle event reported to the host.
type EventType uint8

const (
	// EventConnected fires when the handshake completes.
	EventConnected EventType = iota + 1
	// EventDisconnected fires exactly once when the connection reaches
	// Closed, with the reason that put it there.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification.
type Event struct {
	Type   EventType
	Conn   protocol.ConnectionID
	Peer   string
	Reason protocol.DisconnectReason // disconnect events only
}
