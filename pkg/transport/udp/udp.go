// Package udp adapts a single UDP socket to the transport.Endpoint
// contract. One socket serves all peers; demultiplexing by connection id
// happens above, in the dispatcher.
package udp

import (
	"net"
	"sync"

	"github.com/maniwani/parrot/pkg/transport"
)

// Endpoint is a UDP transport.Endpoint.
type Endpoint struct {
	conn *net.UDPConn
	rx   chan transport.Datagram

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Listen binds address and starts the read loop. rxDepth bounds the inbox;
// zero picks a sane default.
func Listen(address string, rxDepth int) (*Endpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if rxDepth <= 0 {
		rxDepth = 256
	}
	e := &Endpoint{
		conn:    c,
		rx:      make(chan transport.Datagram, rxDepth),
		addrs:   make(map[string]*net.UDPAddr),
		closeCh: make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

func (e *Endpoint) Inbox() <-chan transport.Datagram { return e.rx }

func (e *Endpoint) LocalAddr() string { return e.conn.LocalAddr().String() }

func (e *Endpoint) Send(peer string, payload []byte) error {
	raddr, err := e.resolve(peer)
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(payload, raddr)
	return err
}

// resolve caches peer addresses; games send to the same few peers every
// tick and repeated DNS lookups would dominate.
func (e *Endpoint) resolve(peer string) (*net.UDPAddr, error) {
	e.mu.Lock()
	raddr, ok := e.addrs[peer]
	e.mu.Unlock()
	if ok {
		return raddr, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.addrs[peer] = raddr
	e.mu.Unlock()
	return raddr, nil
}

func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closeCh)
		err = e.conn.Close()
	})
	return err
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closeCh:
			default:
				close(e.rx)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		// drop on backpressure; the protocol tolerates loss
		select {
		case e.rx <- transport.Datagram{Peer: raddr.String(), Payload: pkt}:
		default:
		}
	}
}
