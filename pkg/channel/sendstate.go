package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/reliability"
)

type outFragment struct {
	data      []byte
	acked     bool
	queued    bool // sitting in the retransmit queue
	attempts  int
	nextRetry time.Duration
}

type outMessage struct {
	count int // fragment count, 1 for whole messages
	acked int
	frags []outFragment
}

// sendState is the outbound half shared by every mode: the fresh-send queue,
// message sequencing, fragmentation, and (for reliable modes) the
// unacknowledged window with retransmit deadlines.
type sendState struct {
	index    uint8
	mode     protocol.Mode
	cfg      Config
	est      *reliability.RTTEstimator
	reliable bool

	nextSeq protocol.Seq
	sendq   []Outbound
	queued  int // whole messages awaiting first transmission

	outstanding *protocol.SequenceBuffer[outMessage]
	inFlight    int // messages in the unacknowledged window
	retransq    []reliability.MessageRef
	failed      bool

	counters Counters
}

func newSendState(index uint8, mode protocol.Mode, cfg Config, est *reliability.RTTEstimator) sendState {
	s := sendState{index: index, mode: mode, cfg: cfg, est: est, reliable: mode.Reliable()}
	if s.reliable {
		s.outstanding = protocol.NewSequenceBuffer[outMessage](protocol.SendWindowSize)
	}
	return s
}

func (s *sendState) Mode() protocol.Mode { return s.mode }

// HasUnacked reports pending reliable work: queued sends or in-flight
// messages awaiting acknowledgment.
func (s *sendState) HasUnacked() bool {
	return s.reliable && (s.queued > 0 || s.inFlight > 0)
}
func (s *sendState) Index() uint8        { return s.index }
func (s *sendState) Stats() Counters     { return s.counters }

func (s *sendState) Enqueue(payload []byte) error {
	if s.queued >= s.cfg.QueueCapacity {
		return ErrQueueFull
	}
	seq := s.nextSeq
	if len(payload) <= s.cfg.MaxMessagePayload {
		s.sendq = append(s.sendq, Outbound{
			Channel:  s.index,
			Mode:     s.mode,
			Seq:      seq,
			Payload:  append([]byte(nil), payload...),
			Reliable: s.reliable,
		})
	} else {
		parts, err := splitPayload(payload, s.cfg.MaxFragmentPayload)
		if err != nil {
			return err
		}
		for i, part := range parts {
			s.sendq = append(s.sendq, Outbound{
				Channel:   s.index,
				Mode:      s.mode,
				Seq:       seq,
				Fragment:  true,
				FragIndex: uint8(i),
				FragCount: uint8(len(parts)),
				Payload:   part,
				Reliable:  s.reliable,
			})
		}
	}
	s.nextSeq = s.nextSeq.Next()
	s.queued++
	return nil
}

func (s *sendState) PeekSend() int {
	if len(s.sendq) == 0 {
		return -1
	}
	o := s.sendq[0]
	if s.reliable && s.startsMessage(o) && s.inFlight >= s.outstanding.Capacity() {
		// Window full; hold fresh messages until acks drain it.
		return -1
	}
	return o.WireSize()
}

func (s *sendState) startsMessage(o Outbound) bool {
	return !o.Fragment || o.FragIndex == 0
}

func (s *sendState) endsMessage(o Outbound) bool {
	return !o.Fragment || int(o.FragIndex) == int(o.FragCount)-1
}

func (s *sendState) PopSend() (Outbound, bool) {
	if s.PeekSend() < 0 {
		return Outbound{}, false
	}
	o := s.sendq[0]
	s.sendq = s.sendq[1:]
	if s.startsMessage(o) {
		s.counters.MessagesSent++
	}
	if s.endsMessage(o) {
		s.queued--
	}
	if s.reliable {
		e := s.outstanding.Get(o.Seq)
		if e == nil {
			count := 1
			if o.Fragment {
				count = int(o.FragCount)
			}
			e = s.outstanding.Insert(o.Seq, outMessage{count: count, frags: make([]outFragment, count)})
			s.inFlight++
		}
		e.frags[o.FragIndex].data = o.Payload
	}
	return o, true
}

// OnPacked stamps the retransmit deadline after the unit went into a packet.
func (s *sendState) OnPacked(o Outbound, now time.Duration) {
	if !s.reliable {
		return
	}
	e := s.outstanding.Get(o.Seq)
	if e == nil {
		return
	}
	f := &e.frags[o.FragIndex]
	f.attempts++
	f.queued = false
	f.nextRetry = now + s.est.Backoff(f.attempts-1, s.cfg.MaxRetryInterval)
	if f.attempts > 1 {
		s.counters.Retransmits++
	}
}

func (s *sendState) OnAck(ref reliability.MessageRef) {
	if !s.reliable {
		return
	}
	e := s.outstanding.Get(ref.Seq)
	if e == nil || int(ref.Frag) >= len(e.frags) {
		return
	}
	f := &e.frags[ref.Frag]
	if f.acked {
		return
	}
	f.acked = true
	f.data = nil
	e.acked++
	if e.acked == e.count {
		s.outstanding.Remove(ref.Seq)
		s.inFlight--
	}
}

// tickSend scans the unacknowledged window for due retransmissions and
// reports whether the retry budget ran out.
func (s *sendState) tickSend(now time.Duration) bool {
	if !s.reliable || s.failed {
		return s.failed
	}
	s.outstanding.Range(func(seq protocol.Seq, e *outMessage) bool {
		for i := range e.frags {
			f := &e.frags[i]
			if f.acked || f.queued || f.attempts == 0 || f.nextRetry > now {
				continue
			}
			if f.attempts >= s.cfg.MaxAttempts {
				s.failed = true
				return false
			}
			f.queued = true
			s.retransq = append(s.retransq, reliability.MessageRef{Channel: s.index, Seq: seq, Frag: uint8(i)})
		}
		return true
	})
	return s.failed
}

// pruneRetrans drops queue heads whose fragment was acked in the meantime.
func (s *sendState) pruneRetrans() {
	for len(s.retransq) > 0 {
		ref := s.retransq[0]
		e := s.outstanding.Get(ref.Seq)
		if e != nil && int(ref.Frag) < len(e.frags) {
			f := &e.frags[ref.Frag]
			if !f.acked && f.queued {
				return
			}
		}
		s.retransq = s.retransq[1:]
	}
}

func (s *sendState) PeekRetransmit() int {
	s.pruneRetrans()
	if len(s.retransq) == 0 {
		return -1
	}
	o, _ := s.buildRetransmit(s.retransq[0])
	return o.WireSize()
}

func (s *sendState) PopRetransmit() (Outbound, bool) {
	s.pruneRetrans()
	if len(s.retransq) == 0 {
		return Outbound{}, false
	}
	ref := s.retransq[0]
	s.retransq = s.retransq[1:]
	return s.buildRetransmit(ref)
}

func (s *sendState) buildRetransmit(ref reliability.MessageRef) (Outbound, bool) {
	e := s.outstanding.Get(ref.Seq)
	if e == nil {
		return Outbound{}, false
	}
	o := Outbound{
		Channel:  s.index,
		Mode:     s.mode,
		Seq:      ref.Seq,
		Payload:  e.frags[ref.Frag].data,
		Reliable: true,
	}
	if e.count > 1 {
		o.Fragment = true
		o.FragIndex = ref.Frag
		o.FragCount = uint8(e.count)
	}
	return o, true
}
