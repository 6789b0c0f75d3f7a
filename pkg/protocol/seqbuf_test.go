package protocol

import "testing"

func TestSequenceBufferBasics(t *testing.T) {
	b := NewSequenceBuffer[string](8)
	if b.Capacity() != 8 || b.Len() != 0 {
		t.Fatalf("fresh buffer: cap=%d len=%d", b.Capacity(), b.Len())
	}

	b.Insert(3, "three")
	b.Insert(5, "five")
	if !b.Contains(3) || b.Contains(4) {
		t.Fatalf("contains mismatch")
	}
	if v := b.Get(5); v == nil || *v != "five" {
		t.Fatalf("get 5: %v", v)
	}
	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2", b.Len())
	}

	v, ok := b.Remove(3)
	if !ok || v != "three" {
		t.Fatalf("remove 3: %q %v", v, ok)
	}
	if _, ok := b.Remove(3); ok {
		t.Fatalf("double remove should fail")
	}
}

// Slot reuse: a sequence one window ahead lands in the same slot and evicts
// the stale entry; lookups for the old sequence must then miss.
func TestSequenceBufferEviction(t *testing.T) {
	b := NewSequenceBuffer[int](8)
	b.Insert(1, 100)
	b.Insert(9, 900) // 9 % 8 == 1
	if b.Contains(1) {
		t.Fatalf("evicted entry still visible")
	}
	if v := b.Get(9); v == nil || *v != 900 {
		t.Fatalf("get 9: %v", v)
	}
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}
}

func TestSequenceBufferGetMutates(t *testing.T) {
	b := NewSequenceBuffer[int](4)
	b.Insert(2, 10)
	*b.Get(2) += 5
	if v := b.Get(2); *v != 15 {
		t.Fatalf("in-place mutation lost: %d", *v)
	}
}

func TestSequenceBufferRange(t *testing.T) {
	b := NewSequenceBuffer[int](16)
	for i := Seq(0); i < 5; i++ {
		b.Insert(i, int(i))
	}
	seen := 0
	b.Range(func(seq Seq, v *int) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("range early exit: visited %d", seen)
	}
}
