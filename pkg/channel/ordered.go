package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/reliability"
)

// orderedChannel delivers each message exactly once, in strict send order.
// Early arrivals are buffered until every preceding sequence has landed,
// then the contiguous run drains in one pass.
type orderedChannel struct {
	sendState
	asm          *assembler
	nextExpected protocol.Seq
	pending      *protocol.SequenceBuffer[[]byte]
}

func newOrdered(index uint8, cfg Config, est *reliability.RTTEstimator) *orderedChannel {
	return &orderedChannel{
		sendState: newSendState(index, protocol.ReliableOrdered, cfg, est),
		asm:       newAssembler(cfg.FragmentTimeout),
		pending:   protocol.NewSequenceBuffer[[]byte](protocol.SendWindowSize),
	}
}

func (c *orderedChannel) OnReceive(f protocol.Frame, now time.Duration, deliver func([]byte)) {
	d := int(protocol.SeqDistance(f.Seq, c.nextExpected))
	if d < 0 {
		// Already delivered; the retransmit simply crossed our ack.
		c.counters.DuplicatesDropped++
		return
	}
	if d >= c.pending.Capacity() {
		// Beyond the reorder window. The sender's bounded window makes this
		// unreachable for a conforming peer; drop rather than evict.
		c.counters.DuplicatesDropped++
		return
	}
	payload := f.Payload
	if f.Kind == protocol.FrameFragment {
		full, complete, dup := c.asm.onFragment(f, now)
		if dup {
			c.counters.DuplicatesDropped++
		}
		if !complete {
			return
		}
		payload = full
	} else {
		payload = append([]byte(nil), payload...)
	}
	c.accept(f.Seq, payload, deliver)
}

func (c *orderedChannel) accept(seq protocol.Seq, payload []byte, deliver func([]byte)) {
	if seq != c.nextExpected {
		if c.pending.Contains(seq) {
			c.counters.DuplicatesDropped++
			return
		}
		c.pending.Insert(seq, payload)
		return
	}
	c.counters.MessagesDelivered++
	deliver(payload)
	c.nextExpected = c.nextExpected.Next()
	for {
		buffered, ok := c.pending.Remove(c.nextExpected)
		if !ok {
			break
		}
		c.counters.MessagesDelivered++
		deliver(buffered)
		c.nextExpected = c.nextExpected.Next()
	}
}

func (c *orderedChannel) OnTick(now time.Duration) bool {
	c.counters.FragmentsExpired += uint64(c.asm.tick(now))
	return c.tickSend(now)
}
