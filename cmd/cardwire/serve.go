package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/cardwire"
)

var (
	roomFlag            string
	shutdownTimeoutFlag time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local table: greet HELLOs, echo messages and answer probes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		streamAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr())
		if err != nil {
			return errors.Wrap(err, "resolve stream address")
		}
		probeAddr, err := net.ResolveUDPAddr("udp", cfg.ProbeAddr())
		if err != nil {
			return errors.Wrap(err, "resolve probe address")
		}

		server, err := cardwire.NewServer(streamAddr,
			cardwire.ServerLoggerOption(logger),
			cardwire.ServerShutdownTimeoutOption(shutdownTimeoutFlag),
			cardwire.ServerChannelOption(cardwire.MaxFrameSizeOption(cfg.MaxFrameSize)),
		)
		if err != nil {
			return errors.Wrap(err, "listen stream")
		}
		defer server.Close()

		responder, err := cardwire.NewResponder(probeAddr, cardwire.ResponderLoggerOption(logger))
		if err != nil {
			return err
		}
		defer responder.Close()

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return server.Serve(ctx, tableHandler(roomFlag))
		})
		group.Go(func() error {
			return responder.Serve(ctx)
		})

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// tableHandler answers a HELLO with a WELCOME and echoes every other message.
func tableHandler(room string) cardwire.Handler {
	return cardwire.HandlerFunc(func(ctx context.Context, ch *cardwire.Channel) {
		for {
			m, err := ch.Recv(ctx)
			if err != nil {
				logger.Debug("session ended", "addr", ch.Addr(), "error", err)
				return
			}

			reply := m
			if m.Type() == cardwire.KindHello {
				nickname := m.StringField("nickname")
				playerID := "P-" + uuid.NewString()[:8]
				logger.Info("player joined", "addr", ch.Addr(), "nickname", nickname, "player_id", playerID)
				reply = cardwire.NewMessage("WELCOME", "player_id", playerID, "room", room)
			}

			if err := ch.Send(reply); err != nil {
				logger.Warn("send failed", "addr", ch.Addr(), "error", err)
				return
			}
		}
	})
}

func init() {
	serveCmd.Flags().StringVar(&roomFlag, "room", "LOCAL", "room name announced in WELCOME")
	serveCmd.Flags().DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 0, "keep accepting this long after an interrupt")
	rootCmd.AddCommand(serveCmd)
}
