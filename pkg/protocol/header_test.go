package protocol

import (
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Version:   Version,
		Flags:     HeaderFlagHasAck,
		ConnID:    0xdeadbeef,
		PacketSeq: 4242,
		AckSeq:    4200,
		AckMask:   0xa5a5a5a5,
	}
	buf := make([]byte, HeaderSize)
	in.MarshalTo(buf)

	var out Header
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", out, in)
	}
}

func TestHeaderMalformed(t *testing.T) {
	good := make([]byte, HeaderSize)
	(&Header{Version: Version}).MarshalTo(good)

	var h Header
	if err := h.UnmarshalBinary(good[:HeaderSize-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("short header: got %v", err)
	}

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	if err := h.UnmarshalBinary(badMagic); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad magic: got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[2] = Version + 1
	if err := h.UnmarshalBinary(badVersion); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad version: got %v", err)
	}
}
