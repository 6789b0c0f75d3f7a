// Package protocol defines the wire format of the messaging layer: the fixed
// packet header, the channel-tagged body frames, and the wrapping sequence
// arithmetic everything above it is built on. It performs no I/O.
package protocol

const (
	// MaxDatagramSize is the default cap on one encoded packet. 1280 is the
	// IPv6 minimum MTU; staying at or below it avoids IP fragmentation on
	// any sane path.
	MaxDatagramSize = 1280 - ipv6HeaderBytes - udpHeaderBytes

	ipv6HeaderBytes = 40
	udpHeaderBytes  = 8

	// MaxFragments bounds how many fragments one message may split into.
	// Fragment counts travel in a single byte.
	MaxFragments = 255

	// SendWindowSize bounds in-flight packets and unacknowledged messages
	// per channel direction. Must stay well below half the Seq space so
	// wrap comparisons remain unambiguous.
	SendWindowSize = 256

	// AckMaskBits is the width of the header acknowledgment bitmask.
	AckMaskBits = 32
)
