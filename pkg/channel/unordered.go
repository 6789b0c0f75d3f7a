package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/reliability"
)

// unorderedChannel delivers each message exactly once, in whatever order the
// network produces. Duplicates are detected against a sliding window of
// recently delivered sequences.
type unorderedChannel struct {
	sendState
	asm    *assembler
	seen   *protocol.SequenceBuffer[struct{}]
	newest protocol.Seq
	any    bool
}

func newUnordered(index uint8, cfg Config, est *reliability.RTTEstimator) *unorderedChannel {
	return &unorderedChannel{
		sendState: newSendState(index, protocol.ReliableUnordered, cfg, est),
		asm:       newAssembler(cfg.FragmentTimeout),
		seen:      protocol.NewSequenceBuffer[struct{}](protocol.SendWindowSize),
	}
}

// duplicate reports whether seq was already delivered or has slid out of the
// tracking window (the sender's bounded window keeps live sequences inside).
func (c *unorderedChannel) duplicate(seq protocol.Seq) bool {
	if c.any && int(protocol.SeqDistance(c.newest, seq)) >= c.seen.Capacity() {
		return true
	}
	return c.seen.Contains(seq)
}

func (c *unorderedChannel) markDelivered(seq protocol.Seq) {
	c.seen.Insert(seq, struct{}{})
	if !c.any || protocol.SeqGreater(seq, c.newest) {
		c.newest = seq
		c.any = true
	}
}

func (c *unorderedChannel) OnReceive(f protocol.Frame, now time.Duration, deliver func([]byte)) {
	if c.duplicate(f.Seq) {
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
	c.markDelivered(f.Seq)
	c.counters.MessagesDelivered++
	deliver(payload)
}

func (c *unorderedChannel) OnTick(now time.Duration) bool {
	c.counters.FragmentsExpired += uint64(c.asm.tick(now))
	return c.tickSend(now)
}
