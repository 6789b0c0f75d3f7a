// Package channel implements the four delivery modes multiplexed within a
// connection: unreliable, reliable-ordered, reliable-unordered and
// sequenced. A channel owns one outbound queue and the inbound reorder and
// reassembly state for its direction; the connection above it drives packing
// and acknowledgment.
package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/reliability"
)

var (
	// ErrQueueFull means the outbound queue is at capacity. The caller may
	// retry on a later tick; the core never drops the message silently.
	ErrQueueFull = errors.New("channel send queue full")

	// ErrMessageTooLarge means the payload exceeds what MaxFragments
	// fragments can carry.
	ErrMessageTooLarge = errors.New("message too large to fragment")
)

// Config carries the per-channel tunables derived from the connection
// options and the datagram size budget.
type Config struct {
	// QueueCapacity bounds messages waiting for their first transmission.
	QueueCapacity int
	// MaxMessagePayload is the largest payload sent as a whole message.
	MaxMessagePayload int
	// MaxFragmentPayload is the payload budget of a single fragment entry.
	MaxFragmentPayload int
	// FragmentTimeout purges incomplete reassembly buffers.
	FragmentTimeout time.Duration
	// MaxAttempts bounds transmissions of one reliable fragment before the
	// connection is declared failed.
	MaxAttempts int
	// MaxRetryInterval caps the exponential retransmit backoff.
	MaxRetryInterval time.Duration
}

// Counters are per-channel diagnostics. Network-unreliability conditions
// are absorbed and only observable here.
type Counters struct {
	MessagesSent      uint64
	MessagesDelivered uint64
	DuplicatesDropped uint64
	StaleDropped      uint64
	FragmentsExpired  uint64
	Retransmits       uint64
}

// Channel is the delivery-mode contract: enqueue outbound payloads, ingest
// inbound frames, advance timers. The four implementations form a closed
// set selected at construction.
type Channel interface {
	Mode() protocol.Mode
	Index() uint8

	// Enqueue accepts one payload for a future packing pass. It never
	// blocks; it fails only with ErrQueueFull or ErrMessageTooLarge.
	Enqueue(payload []byte) error

	// OnReceive ingests a message or fragment frame addressed to this
	// channel, invoking deliver for every payload that becomes ready, in
	// delivery order.
	OnReceive(f protocol.Frame, now time.Duration, deliver func([]byte))

	// OnAck marks one previously packed reliable fragment as delivered.
	OnAck(ref reliability.MessageRef)

	// OnTick expires reassembly buffers and queues due retransmissions.
	// It reports true while the reliable retransmit budget is exhausted,
	// which fails the whole connection.
	OnTick(now time.Duration) (failed bool)

	// PeekRetransmit returns the wire size of the next due retransmission,
	// or -1 when none is pending.
	PeekRetransmit() int
	// PopRetransmit removes and returns the next due retransmission.
	PopRetransmit() (Outbound, bool)

	// PeekSend returns the wire size of the next fresh unit, or -1 when
	// the queue is empty or the in-flight window is full.
	PeekSend() int
	// PopSend removes and returns the next fresh unit.
	PopSend() (Outbound, bool)

	// OnPacked records that a unit returned by PopSend or PopRetransmit
	// was stamped into a packet at time now.
	OnPacked(o Outbound, now time.Duration)

	// HasUnacked reports whether reliable payloads are still queued or
	// awaiting acknowledgment; disconnect drains until this clears.
	HasUnacked() bool

	// Stats returns a snapshot of the channel's diagnostic counters.
	Stats() Counters
}

// Outbound is one packable unit: a whole message or a single fragment.
type Outbound struct {
	Channel   uint8
	Mode      protocol.Mode
	Seq       protocol.Seq
	Fragment  bool
	FragIndex uint8
	FragCount uint8
	Payload   []byte
	Reliable  bool
}

// WireSize returns the encoded size of the unit.
func (o Outbound) WireSize() int {
	if o.Fragment {
		return protocol.FragmentWireSize(len(o.Payload))
	}
	return protocol.MessageWireSize(o.Mode, len(o.Payload))
}

// AppendTo encodes the unit after buf.
func (o Outbound) AppendTo(buf []byte) []byte {
	if o.Fragment {
		return protocol.AppendFragment(buf, o.Channel, o.Seq, o.FragIndex, o.FragCount, o.Payload)
	}
	return protocol.AppendMessage(buf, o.Channel, o.Mode, o.Seq, o.Payload)
}

// Ref names the unit in packet bookkeeping.
func (o Outbound) Ref() reliability.MessageRef {
	return reliability.MessageRef{Channel: o.Channel, Seq: o.Seq, Frag: o.FragIndex}
}

// New constructs the channel variant for the given mode. The estimator is
// shared with the owning connection and supplies retransmit deadlines.
func New(index uint8, mode protocol.Mode, cfg Config, est *reliability.RTTEstimator) (Channel, error) {
	switch mode {
	case protocol.Unreliable:
		return newUnreliable(index, cfg), nil
	case protocol.ReliableOrdered:
		return newOrdered(index, cfg, est), nil
	case protocol.ReliableUnordered:
		return newUnordered(index, cfg, est), nil
	case protocol.Sequenced:
		return newSequenced(index, cfg), nil
	default:
		return nil, fmt.Errorf("invalid channel mode %d", mode)
	}
}
