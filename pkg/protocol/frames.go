package protocol

import (
	"encoding/binary"
	"fmt"
)

// Mode selects the delivery guarantee of a channel. It is part of the wire
// format: the connect frame carries the initiator's channel modes so the
// acceptor can verify both sides agree on the configuration.
type Mode uint8

const (
	// Unreliable delivers at most once per transmission attempt. Duplicates
	// and reorders from the transport pass through unmodified.
	Unreliable Mode = iota
	// ReliableOrdered delivers exactly once, in strict send order.
	ReliableOrdered
	// ReliableUnordered delivers exactly once, in any order.
	ReliableUnordered
	// Sequenced delivers at most once and only values newer than the last
	// delivered one; stale arrivals are dropped silently.
	Sequenced

	modeCount
)

func (m Mode) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableUnordered:
		return "reliable_unordered"
	case Sequenced:
		return "sequenced"
	default:
		return "invalid"
	}
}

// Reliable reports whether messages on this mode are retransmitted until
// acknowledged.
func (m Mode) Reliable() bool { return m == ReliableOrdered || m == ReliableUnordered }

// Sequenced and reliable modes stamp every message with a channel sequence.
func (m Mode) sequenced() bool { return m != Unreliable }

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "unreliable":
		return Unreliable, nil
	case "reliable_ordered":
		return ReliableOrdered, nil
	case "reliable_unordered":
		return ReliableUnordered, nil
	case "sequenced":
		return Sequenced, nil
	default:
		return 0, fmt.Errorf("unknown channel mode %q", s)
	}
}

// DisconnectReason is the wire reason byte of a disconnect frame. It is also
// what lifecycle events report to the host.
type DisconnectReason uint8

const (
	DisconnectRequested DisconnectReason = iota + 1
	DisconnectTimeout
	DisconnectFailed // reliable retransmit budget exhausted
	DisconnectConfigMismatch
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRequested:
		return "requested"
	case DisconnectTimeout:
		return "timeout"
	case DisconnectFailed:
		return "failed"
	case DisconnectConfigMismatch:
		return "config mismatch"
	default:
		return "unknown"
	}
}

// FrameKind tags one entry in the packet body.
type FrameKind uint8

const (
	FramePadding    FrameKind = 0x00
	FramePing       FrameKind = 0x01
	FrameConnect    FrameKind = 0x02
	FrameConnectAck FrameKind = 0x03
	FrameDisconnect FrameKind = 0x04
	FrameMessage    FrameKind = 0x10
	FrameFragment   FrameKind = 0x11
)

// Frame is one decoded body entry. Payload aliases the datagram buffer;
// callers that keep it past the current tick must copy.
type Frame struct {
	Kind      FrameKind
	Channel   uint8
	Seq       Seq // message sequence (message/fragment frames)
	FragIndex uint8
	FragCount uint8
	Reason    DisconnectReason // disconnect frames
	Modes     []Mode           // connect frames
	Payload   []byte
}

var (
	errTruncatedFrame = fmt.Errorf("%w: truncated frame", ErrMalformed)
	errUnknownFrame   = fmt.Errorf("%w: unknown frame kind", ErrMalformed)
	errBadChannel     = fmt.Errorf("%w: channel index out of range", ErrMalformed)
	errBadFragment    = fmt.Errorf("%w: bad fragment indices", ErrMalformed)
	errBadMode        = fmt.Errorf("%w: bad channel mode", ErrMalformed)
)

// ParseFrames decodes every body entry in buf. Message frames only carry a
// sequence number on sequenced and reliable channels, so decoding needs the
// channel mode table both sides agreed on.
func ParseFrames(buf []byte, modes []Mode) ([]Frame, error) {
	var frames []Frame
	for len(buf) > 0 {
		kind := FrameKind(buf[0])
		buf = buf[1:]
		switch kind {
		case FramePadding:
			for len(buf) > 0 && buf[0] == 0 {
				buf = buf[1:]
			}
		case FramePing:
			frames = append(frames, Frame{Kind: FramePing})
		case FrameConnect:
			if len(buf) < 1 {
				return nil, errTruncatedFrame
			}
			n := int(buf[0])
			if len(buf) < 1+n {
				return nil, errTruncatedFrame
			}
			fm := make([]Mode, n)
			for i := 0; i < n; i++ {
				m := Mode(buf[1+i])
				if m >= modeCount {
					return nil, errBadMode
				}
				fm[i] = m
			}
			frames = append(frames, Frame{Kind: FrameConnect, Modes: fm})
			buf = buf[1+n:]
		case FrameConnectAck:
			frames = append(frames, Frame{Kind: FrameConnectAck})
		case FrameDisconnect:
			if len(buf) < 1 {
				return nil, errTruncatedFrame
			}
			frames = append(frames, Frame{Kind: FrameDisconnect, Reason: DisconnectReason(buf[0])})
			buf = buf[1:]
		case FrameMessage:
			if len(buf) < 1 {
				return nil, errTruncatedFrame
			}
			ch := buf[0]
			if int(ch) >= len(modes) {
				return nil, errBadChannel
			}
			buf = buf[1:]
			f := Frame{Kind: FrameMessage, Channel: ch}
			if modes[ch].sequenced() {
				if len(buf) < 2 {
					return nil, errTruncatedFrame
				}
				f.Seq = Seq(binary.LittleEndian.Uint16(buf))
				buf = buf[2:]
			}
			rest, payload, err := readPayload(buf)
			if err != nil {
				return nil, err
			}
			f.Payload = payload
			frames = append(frames, f)
			buf = rest
		case FrameFragment:
			if len(buf) < 5 {
				return nil, errTruncatedFrame
			}
			ch := buf[0]
			if int(ch) >= len(modes) {
				return nil, errBadChannel
			}
			f := Frame{
				Kind:      FrameFragment,
				Channel:   ch,
				Seq:       Seq(binary.LittleEndian.Uint16(buf[1:3])),
				FragIndex: buf[3],
				FragCount: buf[4],
			}
			if f.FragCount == 0 || f.FragIndex >= f.FragCount {
				return nil, errBadFragment
			}
			rest, payload, err := readPayload(buf[5:])
			if err != nil {
				return nil, err
			}
			f.Payload = payload
			frames = append(frames, f)
			buf = rest
		default:
			return nil, errUnknownFrame
		}
	}
	return frames, nil
}

func readPayload(buf []byte) (rest, payload []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, errTruncatedFrame
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, errTruncatedFrame
	}
	return buf[n:], buf[:n], nil
}

// AppendPing appends a keepalive frame.
func AppendPing(buf []byte) []byte { return append(buf, byte(FramePing)) }

// AppendConnect appends a handshake request carrying the channel mode table.
func AppendConnect(buf []byte, modes []Mode) []byte {
	buf = append(buf, byte(FrameConnect), byte(len(modes)))
	for _, m := range modes {
		buf = append(buf, byte(m))
	}
	return buf
}

// AppendConnectAck appends a handshake acceptance.
func AppendConnectAck(buf []byte) []byte { return append(buf, byte(FrameConnectAck)) }

// AppendDisconnect appends a disconnect notification.
func AppendDisconnect(buf []byte, reason DisconnectReason) []byte {
	return append(buf, byte(FrameDisconnect), byte(reason))
}

// AppendMessage appends a whole-message frame. The sequence is written only
// for sequenced and reliable modes.
func AppendMessage(buf []byte, channel uint8, mode Mode, seq Seq, payload []byte) []byte {
	buf = append(buf, byte(FrameMessage), channel)
	if mode.sequenced() {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(seq))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...)
}

// AppendFragment appends one fragment of an oversized message.
func AppendFragment(buf []byte, channel uint8, seq Seq, index, count uint8, payload []byte) []byte {
	buf = append(buf, byte(FrameFragment), channel)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(seq))
	buf = append(buf, index, count)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...)
}

// MessageWireSize returns the encoded size of a whole-message frame.
func MessageWireSize(mode Mode, payloadLen int) int {
	n := 1 + 1 + 2 + payloadLen // kind + channel + length prefix + payload
	if mode.sequenced() {
		n += 2
	}
	return n
}

// FragmentWireSize returns the encoded size of a fragment frame.
func FragmentWireSize(payloadLen int) int {
	return 1 + 1 + 2 + 1 + 1 + 2 + payloadLen
}
