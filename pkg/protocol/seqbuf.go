package protocol

// SequenceBuffer is a fixed-capacity map from sequence numbers to entries,
// stored as a ring indexed by seq % capacity. Because sequences wrap, an
// insert naturally evicts the entry one window behind it; callers size the
// buffer to their window and bound in-flight counts accordingly.
type SequenceBuffer[T any] struct {
	seqs     []Seq
	occupied []bool
	entries  []T
}

// NewSequenceBuffer returns an empty buffer with the given capacity.
func NewSequenceBuffer[T any](capacity int) *SequenceBuffer[T] {
	return &SequenceBuffer[T]{
		seqs:     make([]Seq, capacity),
		occupied: make([]bool, capacity),
		entries:  make([]T, capacity),
	}
}

// Capacity returns the number of slots.
func (b *SequenceBuffer[T]) Capacity() int { return len(b.entries) }

func (b *SequenceBuffer[T]) indexOf(seq Seq) int { return int(seq) % len(b.entries) }

// Contains reports whether seq is stored.
func (b *SequenceBuffer[T]) Contains(seq Seq) bool {
	i := b.indexOf(seq)
	return b.occupied[i] && b.seqs[i] == seq
}

// Get returns a pointer to the entry for seq, or nil if absent.
func (b *SequenceBuffer[T]) Get(seq Seq) *T {
	i := b.indexOf(seq)
	if b.occupied[i] && b.seqs[i] == seq {
		return &b.entries[i]
	}
	return nil
}

// Insert stores an entry for seq, evicting whatever occupied its slot, and
// returns a pointer to the stored entry.
func (b *SequenceBuffer[T]) Insert(seq Seq, v T) *T {
	i := b.indexOf(seq)
	b.seqs[i] = seq
	b.occupied[i] = true
	b.entries[i] = v
	return &b.entries[i]
}

// Remove deletes the entry for seq if present and returns it.
func (b *SequenceBuffer[T]) Remove(seq Seq) (T, bool) {
	var zero T
	i := b.indexOf(seq)
	if !b.occupied[i] || b.seqs[i] != seq {
		return zero, false
	}
	v := b.entries[i]
	b.occupied[i] = false
	b.entries[i] = zero
	return v, true
}

// Range calls fn for every stored entry until fn returns false. Iteration
// order is slot order, not sequence order.
func (b *SequenceBuffer[T]) Range(fn func(seq Seq, v *T) bool) {
	for i := range b.entries {
		if b.occupied[i] {
			if !fn(b.seqs[i], &b.entries[i]) {
				return
			}
		}
	}
}

// Len returns the number of stored entries.
func (b *SequenceBuffer[T]) Len() int {
	n := 0
	for _, ok := range b.occupied {
		if ok {
			n++
		}
	}
	return n
}
