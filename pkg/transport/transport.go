// Package transport defines the thin datagram boundary between the
// messaging core and real I/O. The core never touches a socket; endpoints
// move opaque datagrams and make no delivery guarantees of their own.
package transport

// Datagram is one unreliable packet paired with its peer address. The
// address format is endpoint-specific (host:port for udp and quic, an
// arbitrary label for mem).
type Datagram struct {
	Peer    string
	Payload []byte
}

// Endpoint is a bidirectional unreliable datagram port. Implementations
// own their sockets and goroutines; the host pumps Inbox into the
// dispatcher and pushes tick output through Send.
type Endpoint interface {
	// Inbox yields received datagrams. The channel is bounded; endpoints
	// drop datagrams when the host falls behind, never block.
	Inbox() <-chan Datagram

	// Send transmits one datagram toward peer, best effort.
	Send(peer string, payload []byte) error

	// LocalAddr reports the bound local address.
	LocalAddr() string

	Close() error
}
