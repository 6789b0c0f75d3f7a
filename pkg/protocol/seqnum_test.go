package protocol

import "testing"

func TestSeqDistanceWrap(t *testing.T) {
	cases := []struct {
		a, b Seq
		d    int16
	}{
		{0, 0, 0},
		{1, 0, 1},
		{0, 1, -1},
		{0, 65535, 1},    // wrap forward
		{65535, 0, -1},   // wrap backward
		{100, 65500, 136},
		{65500, 100, -136},
	}
	for _, tc := range cases {
		if got := SeqDistance(tc.a, tc.b); got != tc.d {
			t.Fatalf("SeqDistance(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.d)
		}
	}
}

func TestSeqGreater(t *testing.T) {
	if !SeqGreater(0, 65535) {
		t.Fatalf("0 should be newer than 65535")
	}
	if SeqGreater(65535, 0) {
		t.Fatalf("65535 should be older than 0")
	}
	if SeqGreater(5, 5) {
		t.Fatalf("equal sequences are not greater")
	}
	if !SeqGreaterEq(5, 5) {
		t.Fatalf("equal sequences satisfy greater-or-equal")
	}
}

func TestSeqNextWraps(t *testing.T) {
	if Seq(65535).Next() != 0 {
		t.Fatalf("Next should wrap to 0")
	}
}
