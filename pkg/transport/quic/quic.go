// Package quic carries datagrams over QUIC's unreliable datagram extension
// (RFC 9221). The QUIC handshake only provides encryption and a path; all
// reliability and ordering still come from the protocol layer above, which
// is exactly what the extension is for.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/maniwani/parrot/pkg/transport"
)

const alpn = "parrot"

// Endpoint is a QUIC transport.Endpoint. It listens for inbound
// connections and dials outbound ones lazily on first Send to a peer.
type Endpoint struct {
	listener *quicgo.Listener
	tlsConf  *tls.Config
	quicConf *quicgo.Config
	rx       chan transport.Datagram

	mu    sync.Mutex
	conns map[string]quicgo.Connection

	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds address for inbound QUIC connections. The certificate is
// ephemeral and self-signed; peers skip verification, so QUIC here gives
// privacy against passive observers but not authentication.
func Listen(address string, rxDepth int) (*Endpoint, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	quicConf := &quicgo.Config{EnableDatagrams: true}
	l, err := quicgo.ListenAddr(address, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	if rxDepth <= 0 {
		rxDepth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		listener: l,
		tlsConf:  tlsConf,
		quicConf: quicConf,
		rx:       make(chan transport.Datagram, rxDepth),
		conns:    make(map[string]quicgo.Connection),
		ctx:      ctx,
		cancel:   cancel,
	}
	go e.acceptLoop()
	return e, nil
}

func (e *Endpoint) Inbox() <-chan transport.Datagram { return e.rx }

func (e *Endpoint) LocalAddr() string { return e.listener.Addr().String() }

func (e *Endpoint) Send(peer string, payload []byte) error {
	c, err := e.connTo(peer)
	if err != nil {
		return err
	}
	if err := c.SendDatagram(payload); err != nil {
		// stale connection; drop it so the next send redials
		e.mu.Lock()
		if e.conns[peer] == c {
			delete(e.conns, peer)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Endpoint) connTo(peer string) (quicgo.Connection, error) {
	e.mu.Lock()
	c, ok := e.conns[peer]
	e.mu.Unlock()
	if ok {
		return c, nil
	}
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	c, err := quicgo.DialAddr(ctx, peer, tlsClient, e.quicConf)
	if err != nil {
		return nil, err
	}
	if !c.ConnectionState().SupportsDatagrams {
		_ = c.CloseWithError(0, "datagrams unsupported")
		return nil, errors.New("quic: peer does not support datagrams")
	}
	e.mu.Lock()
	if existing, raced := e.conns[peer]; raced {
		e.mu.Unlock()
		_ = c.CloseWithError(0, "duplicate")
		return existing, nil
	}
	e.conns[peer] = c
	e.mu.Unlock()
	go e.recvLoop(peer, c)
	return c, nil
}

func (e *Endpoint) acceptLoop() {
	for {
		c, err := e.listener.Accept(e.ctx)
		if err != nil {
			return
		}
		peer := c.RemoteAddr().String()
		e.mu.Lock()
		e.conns[peer] = c
		e.mu.Unlock()
		go e.recvLoop(peer, c)
	}
}

func (e *Endpoint) recvLoop(peer string, c quicgo.Connection) {
	for {
		payload, err := c.ReceiveDatagram(e.ctx)
		if err != nil {
			e.mu.Lock()
			if e.conns[peer] == c {
				delete(e.conns, peer)
			}
			e.mu.Unlock()
			return
		}
		select {
		case e.rx <- transport.Datagram{Peer: peer, Payload: payload}:
		default:
		}
	}
}

func (e *Endpoint) Close() error {
	e.cancel()
	e.mu.Lock()
	for _, c := range e.conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	e.conns = make(map[string]quicgo.Connection)
	e.mu.Unlock()
	return e.listener.Close()
}

// selfSignedCert generates a short-lived certificate for local use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
