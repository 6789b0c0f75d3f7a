// Package dispatch exposes the host-facing surface of the messaging layer.
// A Dispatcher demultiplexes inbound datagrams to connections, packs
// outbound channel traffic into datagrams within the size budget, and
// advances every timer by the elapsed time the host supplies. It is
// single-threaded by design: all state mutation happens inside Tick and the
// calls between ticks, under one goroutine's ownership.
package dispatch

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maniwani/parrot/pkg/connection"
	"github.com/maniwani/parrot/pkg/protocol"
	"github.com/maniwani/parrot/pkg/transport"
)

var (
	// ErrUnknownConnection is returned for operations naming a connection
	// id the dispatcher does not track (never created, or already closed).
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrTooManyConnections is returned by Connect at the connection cap.
	ErrTooManyConnections = errors.New("connection limit reached")
)

// Options configure a Dispatcher and every connection it creates.
type Options struct {
	connection.Options

	// AcceptIncoming enables handshake-accept logic for datagrams carrying
	// unknown connection ids; without it they are dropped and counted.
	AcceptIncoming bool

	// MaxConnections bounds concurrently tracked connections.
	MaxConnections int
}

// DefaultOptions returns the tunables used when the host does not override
// them via configuration.
func DefaultOptions() Options {
	return Options{
		Options: connection.Options{
			Modes:                  []protocol.Mode{protocol.ReliableOrdered},
			MaxDatagramSize:        protocol.MaxDatagramSize,
			HeartbeatInterval:      250 * time.Millisecond,
			IdleTimeout:            5 * time.Second,
			HandshakeTimeout:       5 * time.Second,
			HandshakeRetryInterval: 500 * time.Millisecond,
			MaxRetransmitAttempts:  10,
			MaxRetransmitInterval:  2 * time.Second,
			FragmentTimeout:        3 * time.Second,
			SendQueueCapacity:      256,
			DisconnectDrainTimeout: time.Second,
			RTTSmoothing:           0.1,
		},
		AcceptIncoming: false,
		MaxConnections: 32,
	}
}

// Stats are dispatcher-level diagnostic counters. Conditions caused by
// network unreliability are absorbed and only observable here.
type Stats struct {
	PacketsReceived    uint64
	PacketsSent        uint64
	PacketsMalformed   uint64
	PacketsUnknownConn uint64
	ConnectionsOpened  uint64
	ConnectionsClosed  uint64
}

// TickResult is what one tick hands back to the host: datagrams for the
// transport and lifecycle events. Delivered messages are drained separately
// through Poll so unconsumed messages stay queued across ticks.
type TickResult struct {
	Outbound []transport.Datagram
	Events   []connection.Event
}

// Dispatcher is the single entry point of the messaging core. It performs
// no I/O and reads no clocks; the host feeds datagrams and elapsed time.
type Dispatcher struct {
	opts  Options
	log   *zap.Logger
	now   time.Duration
	conns map[protocol.ConnectionID]*connection.Connection
	inq   []transport.Datagram
	inbox []connection.Inbound
	stats Stats
}

// New validates opts and returns an empty dispatcher.
func New(opts Options, log *zap.Logger) (*Dispatcher, error) {
	if log == nil {
		log = zap.L()
	}
	if n := len(opts.Modes); n == 0 || n > 255 {
		return nil, fmt.Errorf("channel count %d out of range [1,255]", n)
	}
	minDatagram := protocol.HeaderSize + protocol.FragmentWireSize(0) + 1
	if opts.MaxDatagramSize < minDatagram {
		return nil, fmt.Errorf("max datagram size %d below minimum %d", opts.MaxDatagramSize, minDatagram)
	}
	if opts.MaxConnections <= 0 {
		return nil, errors.New("max connections must be positive")
	}
	return &Dispatcher{
		opts:  opts,
		log:   log,
		conns: make(map[protocol.ConnectionID]*connection.Connection),
	}, nil
}

// Now returns the dispatcher's logical clock: the sum of all elapsed time
// passed to Tick.
func (d *Dispatcher) Now() time.Duration { return d.now }

// Stats returns a snapshot of the diagnostic counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// Connection returns the tracked connection for id.
func (d *Dispatcher) Connection(id protocol.ConnectionID) (*connection.Connection, bool) {
	c, ok := d.conns[id]
	return c, ok
}

// Connect starts a handshake toward peer and returns the new connection id.
// The connect request goes out on the next Tick.
func (d *Dispatcher) Connect(peer string) (protocol.ConnectionID, error) {
	if len(d.conns) >= d.opts.MaxConnections {
		return 0, ErrTooManyConnections
	}
	id, err := d.newConnectionID()
	if err != nil {
		return 0, err
	}
	c, err := connection.NewInitiator(id, peer, d.opts.Options, d.now, d.log)
	if err != nil {
		return 0, err
	}
	d.conns[id] = c
	d.stats.ConnectionsOpened++
	d.log.Debug("connecting", zap.Stringer("conn", id), zap.String("peer", peer))
	return id, nil
}

func (d *Dispatcher) newConnectionID() (protocol.ConnectionID, error) {
	var b [4]byte
	for i := 0; i < 32; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := protocol.ConnectionID(binary.LittleEndian.Uint32(b[:]))
		if id == 0 {
			continue
		}
		if _, taken := d.conns[id]; !taken {
			return id, nil
		}
	}
	return 0, errors.New("connection id space exhausted")
}

// Disconnect begins a graceful shutdown of the connection.
func (d *Dispatcher) Disconnect(id protocol.ConnectionID) error {
	c, ok := d.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	return c.Disconnect(d.now)
}

// Send enqueues payload on the connection's channel. It never blocks and
// fails only locally: unknown connection, closed connection, invalid
// channel, full queue, or oversized message.
func (d *Dispatcher) Send(id protocol.ConnectionID, ch int, payload []byte) error {
	c, ok := d.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	return c.Send(ch, payload)
}

// Feed queues one received datagram for processing on the next Tick.
func (d *Dispatcher) Feed(peer string, payload []byte) {
	d.inq = append(d.inq, transport.Datagram{Peer: peer, Payload: payload})
}

// Poll removes and returns the next delivered application message. Messages
// not consumed this tick remain queued for later, never replayed.
func (d *Dispatcher) Poll() (connection.Inbound, bool) {
	if len(d.inbox) == 0 {
		return connection.Inbound{}, false
	}
	m := d.inbox[0]
	d.inbox = d.inbox[1:]
	if len(d.inbox) == 0 {
		d.inbox = nil
	}
	return m, true
}

// Tick advances the logical clock by elapsed, applies every datagram fed
// since the previous tick, runs all timers, and packs outbound traffic.
func (d *Dispatcher) Tick(elapsed time.Duration) TickResult {
	if elapsed < 0 {
		elapsed = 0
	}
	d.now += elapsed

	var res TickResult
	deliver := func(m connection.Inbound) { d.inbox = append(d.inbox, m) }

	// Inbound first: acks and early-arriving data must land before this
	// tick's retransmission and packing decisions.
	for _, dg := range d.inq {
		d.handleDatagram(dg, deliver, &res)
	}
	d.inq = nil

	for _, c := range d.conns {
		res.Events = append(res.Events, c.Tick(d.now)...)
	}

	for id, c := range d.conns {
		for _, payload := range c.Flush(d.now) {
			res.Outbound = append(res.Outbound, transport.Datagram{Peer: c.Peer(), Payload: payload})
			d.stats.PacketsSent++
		}
		if c.State() == connection.Closed {
			delete(d.conns, id)
			d.stats.ConnectionsClosed++
		}
	}
	return res
}

func (d *Dispatcher) handleDatagram(dg transport.Datagram, deliver func(connection.Inbound), res *TickResult) {
	var hdr protocol.Header
	if err := hdr.UnmarshalBinary(dg.Payload); err != nil {
		d.stats.PacketsMalformed++
		return
	}
	frames, err := protocol.ParseFrames(dg.Payload[protocol.HeaderSize:], d.opts.Modes)
	if err != nil {
		d.stats.PacketsMalformed++
		return
	}
	d.stats.PacketsReceived++

	c, ok := d.conns[hdr.ConnID]
	if !ok {
		c = d.accept(dg.Peer, &hdr, frames, res)
		if c == nil {
			return
		}
	}
	res.Events = append(res.Events, c.HandlePacket(&hdr, frames, d.now, deliver)...)
}

// accept runs the handshake-accept path for a datagram with an unknown
// connection id. Only datagrams leading with a connect frame create state;
// everything else is dropped as stale or hostile.
func (d *Dispatcher) accept(peer string, hdr *protocol.Header, frames []protocol.Frame, res *TickResult) *connection.Connection {
	if !d.opts.AcceptIncoming || hdr.ConnID == 0 {
		d.stats.PacketsUnknownConn++
		return nil
	}
	var connect *protocol.Frame
	for i := range frames {
		if frames[i].Kind == protocol.FrameConnect {
			connect = &frames[i]
			break
		}
	}
	if connect == nil {
		d.stats.PacketsUnknownConn++
		return nil
	}
	if len(d.conns) >= d.opts.MaxConnections {
		d.log.Debug("rejecting connect at capacity", zap.String("peer", peer))
		d.stats.PacketsUnknownConn++
		return nil
	}
	c, err := connection.NewAccepted(hdr.ConnID, peer, d.opts.Options, d.now, d.log)
	if err != nil {
		d.stats.PacketsUnknownConn++
		return nil
	}
	if !c.ModesMatch(connect.Modes) {
		d.log.Warn("connect with mismatched channel config",
			zap.Stringer("conn", hdr.ConnID), zap.String("peer", peer))
		res.Outbound = append(res.Outbound, transport.Datagram{
			Peer:    peer,
			Payload: rejectPacket(hdr.ConnID),
		})
		d.stats.PacketsSent++
		return nil
	}
	d.conns[hdr.ConnID] = c
	d.stats.ConnectionsOpened++
	d.log.Debug("accepted connection", zap.Stringer("conn", hdr.ConnID), zap.String("peer", peer))
	res.Events = append(res.Events, connection.Event{
		Type: connection.EventConnected,
		Conn: hdr.ConnID,
		Peer: peer,
	})
	return c
}

// rejectPacket builds a stateless disconnect notification for a handshake
// the dispatcher refuses.
func rejectPacket(id protocol.ConnectionID) []byte {
	hdr := protocol.Header{Version: protocol.Version, ConnID: id}
	buf := make([]byte, protocol.HeaderSize, protocol.HeaderSize+2)
	hdr.MarshalTo(buf)
	return protocol.AppendDisconnect(buf, protocol.DisconnectConfigMismatch)
}
