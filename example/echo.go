package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/cardwire"
)

// echo sends every message straight back, answering HELLO with WELCOME.
func echo(ctx context.Context, ch *cardwire.Channel) {
	for {
		m, err := ch.Recv(ctx)
		if err != nil {
			slog.Info("session ended", "addr", ch.Addr(), "error", err)
			return
		}

		if m.Type() == cardwire.KindHello {
			m = cardwire.NewMessage("WELCOME", "player_id", "P1", "room", "ECHO")
		}
		if err := ch.Send(m); err != nil {
			slog.Error("send failed", "error", err)
			return
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := cardwire.NewServer(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}
	defer server.Close()

	responder, err := cardwire.NewResponder(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12346})
	if err != nil {
		slog.Error("failed to create responder", "error", err)
		return
	}
	defer responder.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Serve(ctx, cardwire.HandlerFunc(echo)) })
	group.Go(func() error { return responder.Serve(ctx) })

	group.Go(func() error {
		defer stop()
		return client(ctx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("echo failed", "error", err)
	}
}

// client joins the table, plays a few messages and reports probe metrics.
func client(ctx context.Context) error {
	ch := cardwire.New()
	if err := ch.Connect(ctx, "127.0.0.1", 12345); err != nil {
		return err
	}
	defer ch.Close()

	probe := cardwire.NewProbe()
	if err := probe.Start("127.0.0.1", 12346, 200*time.Millisecond); err != nil {
		return err
	}
	defer probe.Stop()

	outgoing := []cardwire.Message{
		cardwire.Hello("HUMAN", "alice", ""),
		cardwire.NewMessage("PLAY", "card", "AS"),
		cardwire.NewMessage("PING"),
	}
	for _, m := range outgoing {
		if err := ch.Send(m); err != nil {
			return err
		}

		timeout, cancel := context.WithTimeout(ctx, time.Second)
		reply, err := ch.Recv(timeout)
		cancel()
		if err != nil {
			return err
		}
		slog.Info("received", "type", reply.Type(), "message", reply)
	}

	time.Sleep(time.Second)
	slog.Info("probe metrics", "metrics", probe.Metrics())
	return nil
}
