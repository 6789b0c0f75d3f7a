// Package mem provides an in-process datagram hub. It exists for tests and
// examples: deterministic, no sockets, and with optional impairment so loss
// and duplication paths can be exercised on demand.
package mem

import (
	"errors"
	"sync"

	"github.com/maniwani/parrot/pkg/transport"
)

// Impair inspects an in-flight datagram and decides its fate. Returning
// copies<0 is treated as 0 (drop); 1 is normal delivery; >1 duplicates.
type Impair func(from, to string, payload []byte) (copies int)

// Hub connects named endpoints. Delivery is synchronous and in-order
// unless an Impair hook says otherwise.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	impair    Impair
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// SetImpair installs or clears the impairment hook.
func (h *Hub) SetImpair(fn Impair) {
	h.mu.Lock()
	h.impair = fn
	h.mu.Unlock()
}

// Open registers an endpoint under addr.
func (h *Hub) Open(addr string, rxDepth int) (*Endpoint, error) {
	if rxDepth <= 0 {
		rxDepth = 256
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.endpoints[addr]; exists {
		return nil, errors.New("mem: address in use: " + addr)
	}
	e := &Endpoint{
		hub:  h,
		addr: addr,
		rx:   make(chan transport.Datagram, rxDepth),
	}
	h.endpoints[addr] = e
	return e, nil
}

func (h *Hub) deliver(from, to string, payload []byte) error {
	h.mu.Lock()
	dst, ok := h.endpoints[to]
	fn := h.impair
	h.mu.Unlock()
	if !ok {
		return errors.New("mem: no endpoint at " + to)
	}
	copies := 1
	if fn != nil {
		copies = fn(from, to, payload)
	}
	for i := 0; i < copies; i++ {
		pkt := make([]byte, len(payload))
		copy(pkt, payload)
		select {
		case dst.rx <- transport.Datagram{Peer: from, Payload: pkt}:
		default:
		}
	}
	return nil
}

// Endpoint is an in-process transport.Endpoint bound to a Hub.
type Endpoint struct {
	hub  *Hub
	addr string
	rx   chan transport.Datagram

	closeOnce sync.Once
}

func (e *Endpoint) Inbox() <-chan transport.Datagram { return e.rx }
func (e *Endpoint) LocalAddr() string                { return e.addr }

func (e *Endpoint) Send(peer string, payload []byte) error {
	return e.hub.deliver(e.addr, peer, payload)
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.endpoints, e.addr)
		e.hub.mu.Unlock()
	})
	return nil
}
