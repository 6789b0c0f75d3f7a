package protocol

// Seq is a 16-bit wrapping sequence number. Packet sequences and per-channel
// message sequences share this type. Comparisons must go through SeqGreater
// or SeqDistance; naive ordering breaks at the wrap point.
type Seq uint16

// Next returns the sequence following s, wrapping at 65535.
func (s Seq) Next() Seq { return s + 1 }

// SeqDistance returns the signed distance a-b in sequence space.
// The result is positive when a is newer than b. The order of two sequences
// exactly 32768 apart is undefined; callers keep their windows well below
// that by bounding in-flight counts.
func SeqDistance(a, b Seq) int16 {
	return int16(a - b)
}

// SeqGreater reports whether a is newer than b, accounting for wrap.
func SeqGreater(a, b Seq) bool {
	return SeqDistance(a, b) > 0
}

// SeqGreaterEq reports whether a is b or newer than b, accounting for wrap.
func SeqGreaterEq(a, b Seq) bool {
	return SeqDistance(a, b) >= 0
}
