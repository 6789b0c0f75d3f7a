package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maniwani/parrot/pkg/connection"
	"github.com/maniwani/parrot/pkg/protocol"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Modes = []protocol.Mode{
		protocol.ReliableOrdered,
		protocol.ReliableUnordered,
		protocol.Sequenced,
		protocol.Unreliable,
	}
	opts.HeartbeatInterval = 100 * time.Millisecond
	opts.IdleTimeout = 2 * time.Second
	opts.HandshakeTimeout = time.Second
	opts.HandshakeRetryInterval = 100 * time.Millisecond
	return opts
}

// link shuttles datagrams between two dispatchers, optionally mangling
// traffic to model an unreliable network.
type link struct {
	t      *testing.T
	a, b   *Dispatcher
	now    time.Duration
	events map[*Dispatcher][]connection.Event

	// impair decides how many copies of a datagram arrive (0 drops it).
	impair func(payload []byte) int
}

func newLink(t *testing.T, aOpts, bOpts Options) *link {
	t.Helper()
	a, err := New(aOpts, zap.NewNop())
	if err != nil {
		t.Fatalf("dispatcher a: %v", err)
	}
	b, err := New(bOpts, zap.NewNop())
	if err != nil {
		t.Fatalf("dispatcher b: %v", err)
	}
	return &link{t: t, a: a, b: b, events: make(map[*Dispatcher][]connection.Event)}
}

// step advances both ends by one 20ms tick and carries traffic across.
func (l *link) step() {
	const dt = 20 * time.Millisecond
	l.now += dt
	resA := l.a.Tick(dt)
	resB := l.b.Tick(dt)
	l.events[l.a] = append(l.events[l.a], resA.Events...)
	l.events[l.b] = append(l.events[l.b], resB.Events...)
	l.carry(resA, l.b, "addr-a")
	l.carry(resB, l.a, "addr-b")
}

func (l *link) carry(res TickResult, dst *Dispatcher, from string) {
	for _, dg := range res.Outbound {
		copies := 1
		if l.impair != nil {
			copies = l.impair(dg.Payload)
		}
		for i := 0; i < copies; i++ {
			dst.Feed(from, dg.Payload)
		}
	}
}

func (l *link) run(steps int) {
	for i := 0; i < steps; i++ {
		l.step()
	}
}

func (l *link) connect() protocol.ConnectionID {
	l.t.Helper()
	id, err := l.a.Connect("addr-b")
	if err != nil {
		l.t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 50; i++ {
		l.step()
		if c, ok := l.a.Connection(id); ok && c.State() == connection.Connected {
			if _, ok := l.b.Connection(id); ok {
				return id
			}
		}
	}
	l.t.Fatalf("handshake never completed")
	return 0
}

func drain(d *Dispatcher) []connection.Inbound {
	var out []connection.Inbound
	for m, ok := d.Poll(); ok; m, ok = d.Poll() {
		out = append(out, m)
	}
	return out
}

func TestConnectAccept(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	var aConnected, bConnected bool
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventConnected && ev.Conn == id {
			aConnected = true
		}
	}
	for _, ev := range l.events[l.b] {
		if ev.Type == connection.EventConnected && ev.Conn == id {
			bConnected = true
		}
	}
	if !aConnected || !bConnected {
		t.Fatalf("connected events: a=%v b=%v", aConnected, bConnected)
	}
	if l.a.Stats().ConnectionsOpened != 1 || l.b.Stats().ConnectionsOpened != 1 {
		t.Fatalf("stats: %+v %+v", l.a.Stats(), l.b.Stats())
	}
}

func TestAcceptDisabledDropsAndCounts(t *testing.T) {
	l := newLink(t, testOptions(), testOptions()) // b does not accept
	if _, err := l.a.Connect("addr-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.run(10)
	if l.b.Stats().PacketsUnknownConn == 0 {
		t.Fatalf("unknown-connection packets not counted")
	}

	// The initiator eventually gives up.
	l.run(60)
	var timedOut bool
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventDisconnected && ev.Reason == protocol.DisconnectTimeout {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("initiator never timed out: %+v", l.events[l.a])
	}
}

// Reliable channels deliver everything exactly once despite loss and
// duplication; the ordered channel additionally preserves send order.
func TestReliableDeliveryUnderLossAndDup(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	n := 0
	l.impair = func(payload []byte) int {
		n++
		switch n % 5 {
		case 0:
			return 0 // loss
		case 3:
			return 2 // duplication
		default:
			return 1
		}
	}

	const count = 30
	for i := 0; i < count; i++ {
		if err := l.a.Send(id, 0, []byte(fmt.Sprintf("ord-%02d", i))); err != nil {
			t.Fatalf("send ordered %d: %v", i, err)
		}
		if err := l.a.Send(id, 1, []byte(fmt.Sprintf("uno-%02d", i))); err != nil {
			t.Fatalf("send unordered %d: %v", i, err)
		}
	}

	var ordered, unordered [][]byte
	for i := 0; i < 400 && (len(ordered) < count || len(unordered) < count); i++ {
		l.step()
		for _, m := range drain(l.b) {
			switch m.Channel {
			case 0:
				ordered = append(ordered, m.Payload)
			case 1:
				unordered = append(unordered, m.Payload)
			}
		}
	}

	if len(ordered) != count || len(unordered) != count {
		t.Fatalf("delivered ordered=%d unordered=%d, want %d each", len(ordered), len(unordered), count)
	}
	for i, p := range ordered {
		want := fmt.Sprintf("ord-%02d", i)
		if string(p) != want {
			t.Fatalf("ordered[%d] = %q, want %q", i, p, want)
		}
	}
	seen := map[string]bool{}
	for _, p := range unordered {
		if seen[string(p)] {
			t.Fatalf("unordered duplicate delivery: %q", p)
		}
		seen[string(p)] = true
	}
}

func TestFragmentedMessageUnderLoss(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	n := 0
	l.impair = func(payload []byte) int {
		n++
		if n%4 == 0 {
			return 0
		}
		return 1
	}

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	if err := l.a.Send(id, 0, big); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got []byte
	for i := 0; i < 400 && got == nil; i++ {
		l.step()
		for _, m := range drain(l.b) {
			got = m.Payload
		}
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("fragmented payload corrupted: got %d bytes", len(got))
	}
}

func TestSequencedNewerWins(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	// Lose the first snapshot's datagram; the second must still deliver and
	// the first must never appear afterwards.
	var dropped bool
	l.impair = func(payload []byte) int {
		if !dropped && len(payload) > protocol.HeaderSize+1 &&
			protocol.FrameKind(payload[protocol.HeaderSize]) == protocol.FrameMessage &&
			payload[protocol.HeaderSize+1] == 2 {
			dropped = true
			return 0
		}
		return 1
	}
	if err := l.a.Send(id, 2, []byte("snap-1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.step()
	if !dropped {
		t.Fatalf("snapshot datagram never left")
	}
	if err := l.a.Send(id, 2, []byte("snap-2")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got [][]byte
	for i := 0; i < 20; i++ {
		l.step()
		for _, m := range drain(l.b) {
			got = append(got, m.Payload)
		}
	}
	if len(got) != 1 || string(got[0]) != "snap-2" {
		t.Fatalf("sequenced delivery: %q", got)
	}
}

func TestPollKeepsUnconsumedMessages(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	for i := 0; i < 3; i++ {
		_ = l.a.Send(id, 0, []byte{byte(i)})
	}
	l.run(10)

	// Consume one; the rest stay queued across further ticks.
	if _, ok := l.b.Poll(); !ok {
		t.Fatalf("nothing delivered")
	}
	l.run(5)
	rest := drain(l.b)
	if len(rest) != 2 {
		t.Fatalf("remaining messages: %d, want 2", len(rest))
	}
}

func TestConfigMismatchRejected(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.Modes = []protocol.Mode{protocol.ReliableOrdered} // different table
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)

	if _, err := l.a.Connect("addr-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.run(20)

	var mismatch bool
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventDisconnected && ev.Reason == protocol.DisconnectConfigMismatch {
			mismatch = true
		}
	}
	if !mismatch {
		t.Fatalf("no config-mismatch disconnect: %+v", l.events[l.a])
	}
	// The rejection must not be mistaken for an acceptance first.
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventConnected {
			t.Fatalf("rejected dial reported connected: %+v", l.events[l.a])
		}
	}
	if len(l.events[l.b]) != 0 {
		t.Fatalf("rejecting side created state: %+v", l.events[l.b])
	}
}

// Abandoning a dial before the peer answers still reports the close.
func TestDisconnectBeforeHandshakeCompletes(t *testing.T) {
	l := newLink(t, testOptions(), testOptions()) // nobody answers
	id, err := l.a.Connect("addr-b")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.run(2)
	if err := l.a.Disconnect(id); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	l.run(10)

	var down bool
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventDisconnected && ev.Conn == id && ev.Reason == protocol.DisconnectRequested {
			down = true
		}
	}
	if !down {
		t.Fatalf("no disconnect event for abandoned dial: %+v", l.events[l.a])
	}
	if _, ok := l.a.Connection(id); ok {
		t.Fatalf("abandoned connection still tracked")
	}
}

func TestGracefulDisconnectBothSides(t *testing.T) {
	aOpts := testOptions()
	bOpts := testOptions()
	bOpts.AcceptIncoming = true
	l := newLink(t, aOpts, bOpts)
	id := l.connect()

	_ = l.a.Send(id, 0, []byte("bye"))
	if err := l.a.Disconnect(id); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	l.run(80)

	if got := drain(l.b); len(got) != 1 || string(got[0].Payload) != "bye" {
		t.Fatalf("queued message lost in disconnect: %+v", got)
	}
	var aDown, bDown bool
	for _, ev := range l.events[l.a] {
		if ev.Type == connection.EventDisconnected {
			aDown = true
		}
	}
	for _, ev := range l.events[l.b] {
		if ev.Type == connection.EventDisconnected && ev.Reason == protocol.DisconnectRequested {
			bDown = true
		}
	}
	if !aDown || !bDown {
		t.Fatalf("disconnect events: a=%v b=%v", aDown, bDown)
	}
	if _, ok := l.a.Connection(id); ok {
		t.Fatalf("closed connection still tracked on a")
	}
	if _, ok := l.b.Connection(id); ok {
		t.Fatalf("closed connection still tracked on b")
	}
	if err := l.a.Send(id, 0, []byte("x")); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestMalformedDatagramsCounted(t *testing.T) {
	l := newLink(t, testOptions(), testOptions())
	l.a.Feed("addr-x", []byte("garbage"))
	l.a.Feed("addr-x", []byte{0x50, 0x52, 0xff}) // right magic, short
	l.a.Tick(20 * time.Millisecond)
	if got := l.a.Stats().PacketsMalformed; got != 2 {
		t.Fatalf("malformed counter = %d, want 2", got)
	}
}

func TestConnectionLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxConnections = 2
	d, err := New(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := d.Connect("p1"); err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	if _, err := d.Connect("p2"); err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	if _, err := d.Connect("p3"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("connect 3: %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	bad := testOptions()
	bad.Modes = nil
	if _, err := New(bad, nil); err == nil {
		t.Fatalf("no channels accepted")
	}
	bad = testOptions()
	bad.MaxDatagramSize = 8
	if _, err := New(bad, nil); err == nil {
		t.Fatalf("tiny datagram budget accepted")
	}
}

func TestSendUnknownConnection(t *testing.T) {
	d, _ := New(testOptions(), zap.NewNop())
	if err := d.Send(42, 0, []byte("x")); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("got %v", err)
	}
	if err := d.Disconnect(42); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("got %v", err)
	}
}
