package reliability

import "github.com/maniwani/parrot/pkg/protocol"

// AckTracker records which packet sequences have arrived from the peer and
// produces the (AckSeq, AckMask) pair stamped on every outbound header:
// the newest received sequence plus a bitmask of the 32 before it.
type AckTracker struct {
	latest  protocol.Seq
	mask    uint32
	seen    bool
	pending bool
}

// OnPacket records receipt of a packet sequence. It returns false when the
// sequence is a duplicate or too old to track, in which case the packet must
// not be processed again (it is still acknowledged).
func (t *AckTracker) OnPacket(seq protocol.Seq) bool {
	if !t.seen {
		t.latest = seq
		t.mask = 0
		t.seen = true
		return true
	}
	d := int(protocol.SeqDistance(seq, t.latest))
	switch {
	case d > 0:
		// Newer than anything seen; shift history behind it.
		if d < protocol.AckMaskBits {
			t.mask = t.mask<<uint(d) | 1<<uint(d-1)
		} else if d == protocol.AckMaskBits {
			t.mask = 1 << uint(d-1)
		} else {
			t.mask = 0
		}
		t.latest = seq
		return true
	case d == 0:
		return false
	default:
		gap := -d
		if gap > protocol.AckMaskBits {
			// Beyond the tracking window; assume already seen.
			return false
		}
		bit := uint32(1) << uint(gap-1)
		if t.mask&bit != 0 {
			return false
		}
		t.mask |= bit
		return true
	}
}

// Fields returns the current header acknowledgment fields.
func (t *AckTracker) Fields() (ack protocol.Seq, mask uint32) {
	return t.latest, t.mask
}

// Seen reports whether any packet has been received; until then the header
// ack fields are meaningless and the has-ack flag stays clear.
func (t *AckTracker) Seen() bool { return t.seen }

// MarkPending requests an acknowledgment transmission. Only packets that
// carry frames are marked; a bare ack packet is never acked in turn, which
// would otherwise ping-pong between idle endpoints forever.
func (t *AckTracker) MarkPending() { t.pending = true }

// Pending reports whether frame-bearing packets arrived since the last
// Flush; the connection emits an ack-only packet when nothing else is
// outbound.
func (t *AckTracker) Pending() bool { return t.pending }

// Flush marks the current acknowledgment state as transmitted.
func (t *AckTracker) Flush() { t.pending = false }
