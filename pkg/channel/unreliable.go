package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
)

// unreliableChannel passes messages through as received: no retransmits, no
// dedupe, no ordering. Oversized messages still fragment; only complete
// reassemblies are delivered.
type unreliableChannel struct {
	sendState
	asm *assembler
}

func newUnreliable(index uint8, cfg Config) *unreliableChannel {
	return &unreliableChannel{
		sendState: newSendState(index, protocol.Unreliable, cfg, nil),
		asm:       newAssembler(cfg.FragmentTimeout),
	}
}

func (c *unreliableChannel) OnReceive(f protocol.Frame, now time.Duration, deliver func([]byte)) {
	if f.Kind == protocol.FrameFragment {
		payload, complete, dup := c.asm.onFragment(f, now)
		if dup {
			c.counters.DuplicatesDropped++
		}
		if complete {
			c.counters.MessagesDelivered++
			deliver(payload)
		}
		return
	}
	c.counters.MessagesDelivered++
	deliver(append([]byte(nil), f.Payload...))
}

func (c *unreliableChannel) OnTick(now time.Duration) bool {
	c.counters.FragmentsExpired += uint64(c.asm.tick(now))
	return false
}
