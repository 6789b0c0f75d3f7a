package channel

import (
	"time"

	"github.com/maniwani/parrot/pkg/protocol"
)

// splitPayload slices payload into near-equal fragments no larger than
// maxFragment bytes each.
func splitPayload(payload []byte, maxFragment int) ([][]byte, error) {
	if maxFragment <= 0 {
		return nil, ErrMessageTooLarge
	}
	count := (len(payload) + maxFragment - 1) / maxFragment
	if count > protocol.MaxFragments {
		return nil, ErrMessageTooLarge
	}
	size := (len(payload) + count - 1) / count
	parts := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		parts = append(parts, append([]byte(nil), payload[off:end]...))
	}
	return parts, nil
}

type assembly struct {
	count     int
	received  int
	size      int
	parts     [][]byte
	createdAt time.Duration
}

// assembler buffers fragments per message sequence until the set completes.
// Incomplete sets are purged after the reassembly timeout; fragments are
// never re-requested individually.
type assembler struct {
	buf     *protocol.SequenceBuffer[assembly]
	timeout time.Duration
}

func newAssembler(timeout time.Duration) *assembler {
	return &assembler{
		buf:     protocol.NewSequenceBuffer[assembly](protocol.SendWindowSize),
		timeout: timeout,
	}
}

// onFragment ingests one fragment frame. It returns the reassembled payload
// once the final fragment lands, and reports duplicate fragments.
func (a *assembler) onFragment(f protocol.Frame, now time.Duration) (payload []byte, complete, dup bool) {
	e := a.buf.Get(f.Seq)
	if e == nil {
		e = a.buf.Insert(f.Seq, assembly{
			count:     int(f.FragCount),
			parts:     make([][]byte, f.FragCount),
			createdAt: now,
		})
	}
	if e.count != int(f.FragCount) || int(f.FragIndex) >= len(e.parts) {
		// Inconsistent with what the first fragment claimed; drop.
		return nil, false, true
	}
	if e.parts[f.FragIndex] != nil {
		return nil, false, true
	}
	e.parts[f.FragIndex] = append([]byte(nil), f.Payload...)
	e.received++
	e.size += len(f.Payload)
	if e.received < e.count {
		return nil, false, false
	}
	out := make([]byte, 0, e.size)
	for _, part := range e.parts {
		out = append(out, part...)
	}
	a.buf.Remove(f.Seq)
	return out, true, false
}

// drop discards any partial assembly for seq.
func (a *assembler) drop(seq protocol.Seq) {
	a.buf.Remove(seq)
}

// tick purges assemblies older than the reassembly timeout and returns how
// many were discarded.
func (a *assembler) tick(now time.Duration) int {
	var expired []protocol.Seq
	a.buf.Range(func(seq protocol.Seq, e *assembly) bool {
		if now-e.createdAt >= a.timeout {
			expired = append(expired, seq)
		}
		return true
	})
	for _, seq := range expired {
		a.buf.Remove(seq)
	}
	return len(expired)
}
