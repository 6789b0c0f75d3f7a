// Package connection runs the per-peer lifecycle state machine
// (Handshaking, Connected, Disconnecting, Closed) and owns the fixed set of
// channels multiplexed over one peer. It turns queued channel traffic into
// packets within the datagram budget and applies inbound packets to the
// channels, but performs no I/O and reads no clocks: the dispatcher drives
// it with logical time.
package connection

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/maniwani/parrot/pkg/channel"
	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/reliability"
)

// State is the lifecycle phase of a connection.
type State uint8

const (
	Handshaking State = iota + 1
	Connected
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

var (
	// ErrClosed is returned by sends on a connection that reached Closed or
	// no longer accepts traffic because a disconnect is in progress.
	ErrClosed = errors.New("connection closed")

	// ErrInvalidChannel is returned by sends naming a channel index outside
	// the configured set.
	ErrInvalidChannel = errors.New("invalid channel index")
)

// Options are the per-connection protocol tunables, fixed at creation.
type Options struct {
	Modes                  []protocol.Mode
	MaxDatagramSize        int
	HeartbeatInterval      time.Duration
	IdleTimeout            time.Duration
	HandshakeTimeout       time.Duration
	HandshakeRetryInterval time.Duration
	MaxRetransmitAttempts  int
	MaxRetransmitInterval  time.Duration
	FragmentTimeout        time.Duration
	SendQueueCapacity      int
	DisconnectDrainTimeout time.Duration
	RTTSmoothing           float64
}

// Inbound is one application message delivered to the host.
type Inbound struct {
	Conn    protocol.ConnectionID
	Channel uint8
	Payload []byte
}

// Connection owns the channels and reliability state for one peer.
type Connection struct {
	id        protocol.ConnectionID
	peer      string
	state     State
	initiator bool
	opts      Options
	log       *zap.Logger

	channels []channel.Channel
	est      *reliability.RTTEstimator
	window   *reliability.SendWindow
	acks     reliability.AckTracker

	createdAt   time.Duration
	lastRecv    time.Duration
	lastSend    time.Duration
	lastConnect time.Duration // last handshake request transmission

	drainDeadline time.Duration

	sendConnect    bool
	sendConnectAck bool
	closeNotify    bool // emit one disconnect frame, then stay Closed
	closeReason    protocol.DisconnectReason

	// Closes requested outside Tick/HandlePacket park their event here so
	// the next Tick still reports them.
	pendingEvents []Event
}

func build(id protocol.ConnectionID, peer string, opts Options, now time.Duration, initiator bool, log *zap.Logger) (*Connection, error) {
	if log == nil {
		log = zap.L()
	}
	c := &Connection{
		id:        id,
		peer:      peer,
		initiator: initiator,
		opts:      opts,
		log:       log,
		est:       reliability.NewRTTEstimator(opts.RTTSmoothing),
		window:    reliability.NewSendWindow(),
		createdAt: now,
		lastRecv:  now,
		lastSend:  now,
	}
	ccfg := channel.Config{
		QueueCapacity:      opts.SendQueueCapacity,
		MaxFragmentPayload: opts.MaxDatagramSize - protocol.HeaderSize - protocol.FragmentWireSize(0),
		FragmentTimeout:    opts.FragmentTimeout,
		MaxAttempts:        opts.MaxRetransmitAttempts,
		MaxRetryInterval:   opts.MaxRetransmitInterval,
	}
	for i, mode := range opts.Modes {
		cfg := ccfg
		cfg.MaxMessagePayload = opts.MaxDatagramSize - protocol.HeaderSize - protocol.MessageWireSize(mode, 0)
		ch, err := channel.New(uint8(i), mode, cfg, c.est)
		if err != nil {
			return nil, err
		}
		c.channels = append(c.channels, ch)
	}
	return c, nil
}

// NewInitiator creates the dialing side; it starts in Handshaking and
// retries the connect frame until accepted or timed out.
func NewInitiator(id protocol.ConnectionID, peer string, opts Options, now time.Duration, log *zap.Logger) (*Connection, error) {
	c, err := build(id, peer, opts, now, true, log)
	if err != nil {
		return nil, err
	}
	c.state = Handshaking
	c.sendConnect = true
	return c, nil
}

// NewAccepted creates the accepting side from a valid connect frame; it is
// Connected immediately and answers with a connect-ack.
func NewAccepted(id protocol.ConnectionID, peer string, opts Options, now time.Duration, log *zap.Logger) (*Connection, error) {
	c, err := build(id, peer, opts, now, false, log)
	if err != nil {
		return nil, err
	}
	c.state = Connected
	c.sendConnectAck = true
	return c, nil
}

func (c *Connection) ID() protocol.ConnectionID { return c.id }
func (c *Connection) Peer() string              { return c.peer }
func (c *Connection) State() State              { return c.state }

// RTT returns the smoothed round-trip estimate.
func (c *Connection) RTT() time.Duration { return c.est.RTT() }

// ChannelStats returns the diagnostic counters of one channel.
func (c *Connection) ChannelStats(index int) (channel.Counters, bool) {
	if index < 0 || index >= len(c.channels) {
		return channel.Counters{}, false
	}
	return c.channels[index].Stats(), true
}

// Send enqueues payload on the given channel for the next packing pass.
func (c *Connection) Send(ch int, payload []byte) error {
	if c.state == Closed || c.state == Disconnecting {
		return ErrClosed
	}
	if ch < 0 || ch >= len(c.channels) {
		return ErrInvalidChannel
	}
	return c.channels[ch].Enqueue(payload)
}

// Disconnect begins a host-requested shutdown: new sends are refused and
// already-queued reliable traffic gets a bounded grace period to drain.
func (c *Connection) Disconnect(now time.Duration) error {
	switch c.state {
	case Closed:
		return ErrClosed
	case Disconnecting:
		return nil
	}
	if c.state == Handshaking {
		// Nothing to drain; the peer never heard from us.
		c.close(protocol.DisconnectRequested, false)
		c.pendingEvents = append(c.pendingEvents, Event{
			Type: EventDisconnected, Conn: c.id, Peer: c.peer,
			Reason: protocol.DisconnectRequested,
		})
		return nil
	}
	c.state = Disconnecting
	c.drainDeadline = now + c.opts.DisconnectDrainTimeout
	return nil
}

func (c *Connection) close(reason protocol.DisconnectReason, notify bool) {
	c.state = Closed
	c.closeReason = reason
	c.closeNotify = notify
	// Release channel state; only the final notify frame may still go out.
	c.channels = nil
}

func carriesDisconnect(frames []protocol.Frame) bool {
	for _, f := range frames {
		if f.Kind == protocol.FrameDisconnect {
			return true
		}
	}
	return false
}

// ModesMatch reports whether the peer's advertised channel modes agree with
// the local configuration.
func (c *Connection) ModesMatch(modes []protocol.Mode) bool {
	if len(modes) != len(c.opts.Modes) {
		return false
	}
	for i, m := range modes {
		if m != c.opts.Modes[i] {
			return false
		}
	}
	return true
}

// HandlePacket applies one parsed inbound packet. Delivered messages are
// appended via deliver; lifecycle events are returned.
func (c *Connection) HandlePacket(hdr *protocol.Header, frames []protocol.Frame, now time.Duration, deliver func(Inbound)) []Event {
	if c.state == Closed {
		return nil
	}
	c.lastRecv = now

	// Receipt of any packet bearing our id means the peer accepted; the
	// explicit connect-ack may have been lost or simply be in this packet.
	// A packet carrying a disconnect is a rejection, not an acceptance.
	var events []Event
	if c.state == Handshaking && !carriesDisconnect(frames) {
		c.state = Connected
		c.sendConnect = false
		events = append(events, Event{Type: EventConnected, Conn: c.id, Peer: c.peer})
		c.log.Debug("handshake complete", zap.Stringer("conn", c.id), zap.String("peer", c.peer))
	}

	if len(frames) > 0 {
		c.acks.MarkPending()
	}
	if !c.acks.OnPacket(hdr.PacketSeq) {
		// Duplicate packet: acknowledge again, never reprocess.
		return events
	}

	if hdr.Flags&protocol.HeaderFlagHasAck != 0 {
		for _, p := range c.window.Acked(hdr.AckSeq, hdr.AckMask) {
			c.est.Observe(now - p.SentAt)
			for _, ref := range p.Refs {
				if int(ref.Channel) < len(c.channels) {
					c.channels[ref.Channel].OnAck(ref)
				}
			}
		}
	}

	for _, f := range frames {
		switch f.Kind {
		case protocol.FramePing:
			// Keepalive; receipt already refreshed the idle timer.
		case protocol.FrameConnect:
			// The peer has not seen our acceptance yet; repeat it.
			if !c.initiator && c.state == Connected {
				c.sendConnectAck = true
			}
		case protocol.FrameConnectAck:
			// Handled by the implicit transition above.
		case protocol.FrameDisconnect:
			c.close(f.Reason, false)
			events = append(events, Event{Type: EventDisconnected, Conn: c.id, Peer: c.peer, Reason: f.Reason})
			return events
		case protocol.FrameMessage, protocol.FrameFragment:
			if int(f.Channel) >= len(c.channels) {
				continue
			}
			ch := c.channels[f.Channel]
			ch.OnReceive(f, now, func(payload []byte) {
				deliver(Inbound{Conn: c.id, Channel: f.Channel, Payload: payload})
			})
		}
	}
	return events
}

// Tick advances the lifecycle and channel timers by logical time.
func (c *Connection) Tick(now time.Duration) []Event {
	switch c.state {
	case Closed:
		events := c.pendingEvents
		c.pendingEvents = nil
		return events
	case Handshaking:
		if now-c.createdAt >= c.opts.HandshakeTimeout {
			c.close(protocol.DisconnectTimeout, false)
			return []Event{{Type: EventDisconnected, Conn: c.id, Peer: c.peer, Reason: protocol.DisconnectTimeout}}
		}
		if c.initiator && now-c.lastConnect >= c.opts.HandshakeRetryInterval {
			c.sendConnect = true
		}
		return nil
	}

	if now-c.lastRecv >= c.opts.IdleTimeout {
		c.close(protocol.DisconnectTimeout, false)
		return []Event{{Type: EventDisconnected, Conn: c.id, Peer: c.peer, Reason: protocol.DisconnectTimeout}}
	}

	for _, ch := range c.channels {
		if ch.OnTick(now) {
			c.log.Warn("retransmit budget exhausted",
				zap.Stringer("conn", c.id), zap.Uint8("channel", ch.Index()))
			c.close(protocol.DisconnectFailed, true)
			return []Event{{Type: EventDisconnected, Conn: c.id, Peer: c.peer, Reason: protocol.DisconnectFailed}}
		}
	}

	if c.state == Disconnecting {
		drained := true
		for _, ch := range c.channels {
			if ch.HasUnacked() {
				drained = false
				break
			}
		}
		if drained || now >= c.drainDeadline {
			c.close(protocol.DisconnectRequested, true)
			return []Event{{Type: EventDisconnected, Conn: c.id, Peer: c.peer, Reason: protocol.DisconnectRequested}}
		}
	}
	return nil
}

// packetBuilder accumulates frames for one datagram.
type packetBuilder struct {
	buf  []byte
	refs []reliability.MessageRef
}

func (c *Connection) openPacket() *packetBuilder {
	b := &packetBuilder{buf: make([]byte, protocol.HeaderSize, c.opts.MaxDatagramSize)}
	return b
}

func (b *packetBuilder) space(max int) int { return max - len(b.buf) }
func (b *packetBuilder) empty() bool       { return len(b.buf) == protocol.HeaderSize && len(b.refs) == 0 }

func (c *Connection) sealPacket(b *packetBuilder, now time.Duration) []byte {
	hdr := protocol.Header{
		Version:   protocol.Version,
		ConnID:    c.id,
		PacketSeq: c.window.NextSeq(),
	}
	if c.acks.Seen() {
		hdr.Flags |= protocol.HeaderFlagHasAck
		hdr.AckSeq, hdr.AckMask = c.acks.Fields()
	}
	hdr.MarshalTo(b.buf[:protocol.HeaderSize])
	c.window.Record(hdr.PacketSeq, reliability.SentPacket{SentAt: now, Refs: b.refs})
	c.acks.Flush()
	c.lastSend = now
	return b.buf
}

// Flush drains everything due for transmission into datagrams: handshake and
// disconnect control traffic, retransmissions before fresh sends, then a
// heartbeat or bare acknowledgment when nothing else went out.
func (c *Connection) Flush(now time.Duration) [][]byte {
	if c.state == Closed {
		if !c.closeNotify {
			return nil
		}
		c.closeNotify = false
		b := c.openPacket()
		b.buf = protocol.AppendDisconnect(b.buf, c.closeReason)
		return [][]byte{c.sealPacket(b, now)}
	}

	if c.state == Handshaking {
		if !c.sendConnect {
			return nil
		}
		c.sendConnect = false
		c.lastConnect = now
		b := c.openPacket()
		b.buf = protocol.AppendConnect(b.buf, c.opts.Modes)
		return [][]byte{c.sealPacket(b, now)}
	}

	var out [][]byte
	b := c.openPacket()
	if c.sendConnectAck {
		c.sendConnectAck = false
		b.buf = protocol.AppendConnectAck(b.buf)
	}

	seal := func() {
		out = append(out, c.sealPacket(b, now))
		b = c.openPacket()
	}

	// Retransmissions take priority over fresh sends so acked progress is
	// never starved by send volume.
	for _, pop := range []func(channel.Channel) (int, func() (channel.Outbound, bool)){
		func(ch channel.Channel) (int, func() (channel.Outbound, bool)) {
			return ch.PeekRetransmit(), ch.PopRetransmit
		},
		func(ch channel.Channel) (int, func() (channel.Outbound, bool)) {
			return ch.PeekSend(), ch.PopSend
		},
	} {
		for _, ch := range c.channels {
			for {
				size, popFn := pop(ch)
				if size < 0 {
					break
				}
				if size > b.space(c.opts.MaxDatagramSize) {
					if b.empty() {
						// Cannot fit even in a fresh packet; skip channel.
						break
					}
					seal()
					continue
				}
				o, ok := popFn()
				if !ok {
					break
				}
				b.buf = o.AppendTo(b.buf)
				ch.OnPacked(o, now)
				if o.Reliable {
					b.refs = append(b.refs, o.Ref())
				}
			}
		}
	}

	if !b.empty() {
		seal()
	} else if len(out) == 0 {
		switch {
		case now-c.lastSend >= c.opts.HeartbeatInterval:
			hb := c.openPacket()
			hb.buf = protocol.AppendPing(hb.buf)
			out = append(out, c.sealPacket(hb, now))
		case c.acks.Pending():
			ack := c.openPacket()
			out = append(out, c.sealPacket(ack, now))
		}
	}
	return out
}
