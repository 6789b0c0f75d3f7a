package mem

import (
	"bytes"
	"testing"
)

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	a, err := hub.Open("a", 4)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := hub.Open("b", 4)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	if err := a.Send("b", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	dg := <-b.Inbox()
	if dg.Peer != "a" || !bytes.Equal(dg.Payload, []byte("ping")) {
		t.Fatalf("delivered: %+v", dg)
	}
}

func TestHubAddressInUse(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Open("x", 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := hub.Open("x", 1); err == nil {
		t.Fatalf("duplicate address accepted")
	}
}

func TestHubUnknownPeer(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Open("a", 1)
	if err := a.Send("nowhere", []byte("x")); err == nil {
		t.Fatalf("send to unknown peer succeeded")
	}
}

func TestHubImpairment(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Open("a", 8)
	b, _ := hub.Open("b", 8)
	_ = a

	hub.SetImpair(func(from, to string, payload []byte) int {
		if bytes.Equal(payload, []byte("lost")) {
			return 0
		}
		return 2
	})
	_ = a.Send("b", []byte("lost"))
	_ = a.Send("b", []byte("dup"))

	if got := len(b.Inbox()); got != 2 {
		t.Fatalf("queued datagrams = %d, want duplicated pair", got)
	}
	first := <-b.Inbox()
	second := <-b.Inbox()
	if !bytes.Equal(first.Payload, []byte("dup")) || !bytes.Equal(second.Payload, []byte("dup")) {
		t.Fatalf("payloads: %q %q", first.Payload, second.Payload)
	}
}

func TestCloseReleasesAddress(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Open("a", 1)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := hub.Open("a", 1); err != nil {
		t.Fatalf("address not released: %v", err)
	}
}

func TestSendCopiesPayload(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Open("a", 1)
	b, _ := hub.Open("b", 1)
	buf := []byte("mutate-me")
	_ = a.Send("b", buf)
	buf[0] = 'X'
	dg := <-b.Inbox()
	if !bytes.Equal(dg.Payload, []byte("mutate-me")) {
		t.Fatalf("payload aliased sender buffer: %q", dg.Payload)
	}
}
