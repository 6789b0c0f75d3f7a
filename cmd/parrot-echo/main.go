// parrot-echo runs an echo server: every message delivered on a connection
// is sent back on the channel it arrived on. It exists to exercise the full
// stack end to end over a real transport.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maniwani/parrot/pkg/config"
	"github.com/maniwani/parrot/pkg/dispatch"
	"github.com/maniwani/parrot/pkg/observability"
	"github.com/maniwani/parrot/pkg/transport"
	"github.com/maniwani/parrot/pkg/transport/quic"
	"github.com/maniwani/parrot/pkg/transport/udp"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	listen := flag.String("listen", "", "override listen address")
	kind := flag.String("transport", "", "override transport kind: udp|quic")
	tick := flag.Duration("tick", 20*time.Millisecond, "tick interval")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if *listen != "" {
		cfg.Transport.Listen = *listen
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer logger.Sync()

	opts, err := cfg.DispatchOptions()
	if err != nil {
		fatalf("protocol options: %v", err)
	}
	opts.AcceptIncoming = true

	ep, err := openEndpoint(cfg.Transport)
	if err != nil {
		fatalf("open endpoint: %v", err)
	}
	defer ep.Close()

	d, err := dispatch.New(opts, logger)
	if err != nil {
		fatalf("new dispatcher: %v", err)
	}
	logger.Info("echo server listening",
		zap.String("addr", ep.LocalAddr()),
		zap.String("transport", cfg.Transport.Kind))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()
	prev := time.Now()

	for {
		select {
		case <-sig:
			logger.Info("shutting down")
			return
		case now := <-ticker.C:
			pump(d, ep)
			res := d.Tick(now.Sub(prev))
			prev = now

			for _, ev := range res.Events {
				logger.Info("event",
					zap.Stringer("conn", ev.Conn),
					zap.String("peer", ev.Peer),
					zap.Int("type", int(ev.Type)))
			}
			for m, ok := d.Poll(); ok; m, ok = d.Poll() {
				if err := d.Send(m.Conn, int(m.Channel), m.Payload); err != nil {
					logger.Warn("echo send failed",
						zap.Stringer("conn", m.Conn), zap.Error(err))
				}
			}
			flush(d, ep, logger, res)
		}
	}
}

// pump drains everything the endpoint received since the last tick.
func pump(d *dispatch.Dispatcher, ep transport.Endpoint) {
	for {
		select {
		case dg := <-ep.Inbox():
			d.Feed(dg.Peer, dg.Payload)
		default:
			return
		}
	}
}

func flush(d *dispatch.Dispatcher, ep transport.Endpoint, logger *zap.Logger, res dispatch.TickResult) {
	for _, dg := range res.Outbound {
		if err := ep.Send(dg.Peer, dg.Payload); err != nil {
			logger.Debug("send failed", zap.String("peer", dg.Peer), zap.Error(err))
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
