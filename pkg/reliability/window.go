package reliability

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
)

// MessageRef names one reliable payload carried by a packet: a channel, the
// message sequence on that channel, and which fragment of it.
type MessageRef struct {
	Channel uint8
	Seq     protocol.Seq
	Frag    uint8
}

// SentPacket remembers what one transmitted packet carried so a later ack
// can clear the payloads and feed the RTT estimator.
type SentPacket struct {
	SentAt time.Duration
	Refs   []MessageRef
}

// SendWindow assigns outgoing packet sequences and holds the bounded set of
// sent packets awaiting acknowledgment. Slots recycle naturally as the
// sequence advances past the window.
type SendWindow struct {
	next protocol.Seq
	sent *protocol.SequenceBuffer[SentPacket]
}

// NewSendWindow returns a window holding up to protocol.SendWindowSize
// packets in flight.
func NewSendWindow() *SendWindow {
	return &SendWindow{sent: protocol.NewSequenceBuffer[SentPacket](protocol.SendWindowSize)}
}

// NextSeq consumes and returns the next outgoing packet sequence.
func (w *SendWindow) NextSeq() protocol.Seq {
	s := w.next
	w.next = w.next.Next()
	return s
}

// Record stores a sent packet. Packets that carry no reliable payload are
// still recorded so their acks contribute RTT samples.
func (w *SendWindow) Record(seq protocol.Seq, p SentPacket) {
	w.sent.Insert(seq, p)
}

// Acked removes every packet covered by the peer's (ackSeq, ackMask) pair
// and returns them. The caller marks the contained messages delivered.
func (w *SendWindow) Acked(ackSeq protocol.Seq, ackMask uint32) []SentPacket {
	var acked []SentPacket
	if p, ok := w.sent.Remove(ackSeq); ok {
		acked = append(acked, p)
	}
	for n := 0; n < protocol.AckMaskBits; n++ {
		if ackMask&(1<<uint(n)) == 0 {
			continue
		}
		seq := ackSeq - protocol.Seq(n) - 1
		if p, ok := w.sent.Remove(seq); ok {
			acked = append(acked, p)
		}
	}
	return acked
}

// InFlight returns the number of packets awaiting acknowledgment.
func (w *SendWindow) InFlight() int { return w.sent.Len() }
