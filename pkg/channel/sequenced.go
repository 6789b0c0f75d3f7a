package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
)

// sequencedChannel delivers only messages newer than the last one delivered.
// Nothing is retransmitted; a stale arrival is dropped without a trace
// beyond the counter.
type sequencedChannel struct {
	sendState
	asm           *assembler
	lastDelivered protocol.Seq
	delivered     bool
}

func newSequenced(index uint8, cfg Config) *sequencedChannel {
	return &sequencedChannel{
		sendState: newSendState(index, protocol.Sequenced, cfg, nil),
		asm:       newAssembler(cfg.FragmentTimeout),
	}
}

func (c *sequencedChannel) stale(seq protocol.Seq) bool {
	return c.delivered && !protocol.SeqGreater(seq, c.lastDelivered)
}

func (c *sequencedChannel) OnReceive(f protocol.Frame, now time.Duration, deliver func([]byte)) {
	if c.stale(f.Seq) {
		c.counters.StaleDropped++
		if f.Kind == protocol.FrameFragment {
			c.asm.drop(f.Seq)
		}
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
	// A newer message may have completed while this one was assembling.
	if c.stale(f.Seq) {
		c.counters.StaleDropped++
		return
	}
	c.lastDelivered = f.Seq
	c.delivered = true
	c.counters.MessagesDelivered++
	deliver(payload)
}

func (c *sequencedChannel) OnTick(now time.Duration) bool {
	c.counters.FragmentsExpired += uint64(c.asm.tick(now))
	return false
}
