package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/cardwire"
)

var countFlag int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure round-trip time and loss against a table's responder",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newFormatter(outputFormat)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		probe := cardwire.NewProbe(cfg.ProbeOptions(logger)...)
		if err := probe.Start(cfg.Host, cfg.ResolvedProbePort(), cfg.ProbeInterval); err != nil {
			return err
		}
		defer probe.Stop()

		ticker := time.NewTicker(cfg.ProbeInterval)
		defer ticker.Stop()

		for printed := 0; countFlag <= 0 || printed < countFlag; printed++ {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			line, err := out.Metrics(probe.Metrics())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().IntVarP(&countFlag, "count", "c", 0, "stop after this many reports (0 runs until interrupted)")
	rootCmd.AddCommand(probeCmd)
}
