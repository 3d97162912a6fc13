package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/cardwire"
)

var (
	roleFlag     string
	nicknameFlag string
	authFlag     string
	noProbeFlag  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a table, print incoming messages and probe metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newFormatter(outputFormat)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch := cardwire.New(cfg.ChannelOptions(logger)...)
		if err := connect(ctx, ch); err != nil {
			return err
		}
		defer ch.Close()

		nickname := nicknameFlag
		if nickname == "" {
			nickname = "player-" + uuid.NewString()[:8]
		}
		if err := ch.Send(cardwire.Hello(roleFlag, nickname, authFlag)); err != nil {
			return errors.Wrap(err, "send hello")
		}

		var metrics <-chan time.Time
		if !noProbeFlag {
			probe := cardwire.NewProbe(cfg.ProbeOptions(logger)...)
			if err := probe.Start(cfg.Host, cfg.ResolvedProbePort(), cfg.ProbeInterval); err != nil {
				return err
			}
			defer probe.Stop()

			ticker := time.NewTicker(cfg.ProbeInterval)
			defer ticker.Stop()
			metrics = ticker.C

			defer func() {
				if line, err := out.Metrics(probe.Metrics()); err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}()

			return pump(ctx, cmd, ch, out, metrics, probe)
		}
		return pump(ctx, cmd, ch, out, metrics, nil)
	},
}

func connect(ctx context.Context, ch *cardwire.Channel) error {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	return ch.Connect(ctx, cfg.Host, cfg.Port)
}

// pump prints messages as they arrive and metrics on every tick until the
// stream ends or ctx is canceled.
func pump(ctx context.Context, cmd *cobra.Command, ch *cardwire.Channel, out formatter, tick <-chan time.Time, probe *cardwire.Probe) error {
	messages := make(chan cardwire.Message)
	failed := make(chan error, 1)

	go func() {
		for {
			m, err := ch.Recv(ctx)
			if err != nil {
				failed <- err
				return
			}
			select {
			case messages <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			if errors.Is(err, context.Canceled) || errors.Is(err, cardwire.ErrConnectionClosed) {
				return nil
			}
			if errors.Is(err, cardwire.ErrTransportClosed) {
				logger.Info("table closed the connection")
				return nil
			}
			return err
		case m := <-messages:
			line, err := out.Message(m)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		case <-tick:
			line, err := out.Metrics(probe.Metrics())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
}

func init() {
	connectCmd.Flags().StringVar(&roleFlag, "role", "HUMAN", "role announced in HELLO (HUMAN or AI)")
	connectCmd.Flags().StringVar(&nicknameFlag, "nickname", "", "nickname announced in HELLO (default random)")
	connectCmd.Flags().StringVar(&authFlag, "auth", "", "credential announced in HELLO")
	connectCmd.Flags().BoolVar(&noProbeFlag, "no-probe", false, "do not start the liveness probe")
	rootCmd.AddCommand(connectCmd)
}
