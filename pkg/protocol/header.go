package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed packet header layout (16 bytes), prepended to every datagram.
// All integer fields are little-endian.
//
//  0  ..1   Magic   'P''R' (0x5250)
//  2        Version u8
//  3        Flags   u8
//  4  ..7   ConnID  u32
//  8  ..9   PacketSeq u16
//  10 ..11  AckSeq  u16
//  12 ..15  AckMask u32
//
// AckSeq is the newest packet sequence received from the peer. Bit n of
// AckMask (n = 0..31) acknowledges packet sequence AckSeq-1-n. Receipt of
// AckSeq itself is implied.
const (
	HeaderSize = 16
	magicWord  = uint16(0x5250) // 'P''R'

	// Version is the wire protocol version carried in every header.
	Version = uint8(1)

	// HeaderFlagHasAck marks the AckSeq/AckMask fields as meaningful. An
	// endpoint that has not yet received any packet leaves it clear so a
	// zero AckSeq cannot be mistaken for an acknowledgment of sequence 0.
	HeaderFlagHasAck = uint8(1 << 0)
)

var (
	// ErrMalformed wraps all parse failures. Callers drop the datagram and
	// bump a diagnostic counter; malformed input is never fatal.
	ErrMalformed = errors.New("malformed packet")

	errShortHeader = fmt.Errorf("%w: short header", ErrMalformed)
	errBadMagic    = fmt.Errorf("%w: bad magic", ErrMalformed)
	errBadVersion  = fmt.Errorf("%w: unsupported version", ErrMalformed)
)

// ConnectionID identifies one connection on both endpoints. The initiator
// picks it at random during the handshake.
type ConnectionID uint32

func (id ConnectionID) String() string { return fmt.Sprintf("conn-%08x", uint32(id)) }

// Header describes the fixed part of a packet.
type Header struct {
	Version   uint8
	Flags     uint8
	ConnID    ConnectionID
	PacketSeq Seq
	AckSeq    Seq
	AckMask   uint32
}

// MarshalTo encodes h into buf[:HeaderSize]. The buffer must be at least
// HeaderSize bytes long.
func (h *Header) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ConnID))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.PacketSeq))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(h.AckSeq))
	binary.LittleEndian.PutUint32(buf[12:16], h.AckMask)
}

// UnmarshalBinary decodes the fixed header from the start of buf.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return errShortHeader
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return errBadMagic
	}
	h.Version = buf[2]
	if h.Version != Version {
		return errBadVersion
	}
	h.Flags = buf[3]
	h.ConnID = ConnectionID(binary.LittleEndian.Uint32(buf[4:8]))
	h.PacketSeq = Seq(binary.LittleEndian.Uint16(buf[8:10]))
	h.AckSeq = Seq(binary.LittleEndian.Uint16(buf[10:12]))
	h.AckMask = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}
