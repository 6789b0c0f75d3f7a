// parrot-client connects to a parrot-echo server, sends numbered messages
// on a chosen channel, and prints what comes back.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/maniwani/parrot/pkg/codec"
	"github.com/maniwani/parrot/pkg/config"
	"github.com/maniwani/parrot/pkg/connection"
	"github.com/maniwani/parrot/pkg/dispatch"
	"github.com/maniwani/parrot/pkg/transport"
	"github.com/maniwani/parrot/pkg/transport/quic"
	"github.com/maniwani/parrot/pkg/transport/udp"
)

// echoBody is the CBOR payload exchanged with the echo server.
type echoBody struct {
	Text string `cbor:"text"`
	N    int    `cbor:"n"`
}

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	addr := flag.String("addr", "127.0.0.1:7777", "server address")
	kind := flag.String("transport", "", "override transport kind: udp|quic")
	channelIdx := flag.Int("channel", 0, "channel index for outgoing messages")
	message := flag.String("message", "hello parrot", "message body")
	count := flag.Int("count", 10, "messages to send")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between sends")
	tick := flag.Duration("tick", 20*time.Millisecond, "tick interval")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	cfg.Transport.Listen = "127.0.0.1:0"
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	opts, err := cfg.DispatchOptions()
	if err != nil {
		fatalf("protocol options: %v", err)
	}

	ep, err := openEndpoint(cfg.Transport)
	if err != nil {
		fatalf("open endpoint: %v", err)
	}
	defer ep.Close()

	d, err := dispatch.New(opts, logger)
	if err != nil {
		fatalf("new dispatcher: %v", err)
	}
	conn, err := d.Connect(*addr)
	if err != nil {
		fatalf("connect: %v", err)
	}

	cdc, err := codec.CBOR()
	if err != nil {
		fatalf("cbor codec: %v", err)
	}

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()
	deadline := time.After(*timeout)
	prev := time.Now()

	var sent, echoed int
	var nextSend time.Time
	var disconnected bool

	for {
		select {
		case <-deadline:
			fatalf("timed out: sent=%d echoed=%d", sent, echoed)
		case now := <-ticker.C:
			for {
				select {
				case dg := <-ep.Inbox():
					d.Feed(dg.Peer, dg.Payload)
					continue
				default:
				}
				break
			}
			res := d.Tick(now.Sub(prev))
			prev = now

			for _, ev := range res.Events {
				if ev.Type == connection.EventDisconnected {
					if echoed == *count {
						return
					}
					fatalf("disconnected (%s): sent=%d echoed=%d", ev.Reason, sent, echoed)
				}
				logger.Info("connected", zap.Stringer("conn", ev.Conn))
			}

			if c, ok := d.Connection(conn); ok && c.State() == connection.Connected {
				if sent < *count && now.After(nextSend) {
					body, err := cdc.Marshal(echoBody{Text: *message, N: sent})
					if err != nil {
						fatalf("encode message: %v", err)
					}
					if err := d.Send(conn, *channelIdx, body); err != nil {
						logger.Warn("send failed", zap.Error(err))
					} else {
						sent++
						nextSend = now.Add(*interval)
					}
				}
			}

			for m, ok := d.Poll(); ok; m, ok = d.Poll() {
				echoed++
				var body echoBody
				if err := cdc.Unmarshal(m.Payload, &body); err != nil {
					fatalf("decode echo: %v", err)
				}
				var rtt time.Duration
				if c, ok := d.Connection(conn); ok {
					rtt = c.RTT()
				}
				fmt.Printf("echo[%d/%d] ch=%d n=%d %q rtt=%s\n",
					echoed, *count, m.Channel, body.N, body.Text, rtt)
			}

			if echoed >= *count && !disconnected {
				disconnected = true
				_ = d.Disconnect(conn)
			}

			for _, dg := range res.Outbound {
				if err := ep.Send(dg.Peer, dg.Payload); err != nil {
					logger.Debug("send failed", zap.Error(err))
				}
			}
		}
	}
}

func openEndpoint(tc config.TransportConfig) (transport.Endpoint, error) {
	switch tc.Kind {
	case "udp":
		return udp.Listen(tc.Listen, tc.RxQueueDepth)
	case "quic":
		return quic.Listen(tc.Listen, tc.RxQueueDepth)
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", tc.Kind)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
