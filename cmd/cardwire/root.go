package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zereker/cardwire"
)

var (
	// Global flags
	cfgFile      string
	envFile      string
	outputFormat string
	hostFlag     string
	portFlag     int
	probePort    int
	intervalFlag float64
	strictFlag   bool
	logLevel     string

	// Shared state set during PersistentPreRun
	cfg    cardwire.Config
	logger *slog.Logger
)

// rootCmd is the base command for cardwire.
var rootCmd = &cobra.Command{
	Use:   "cardwire",
	Short: "Card table transport client: stream messages and probe latency",
	Long: `cardwire speaks the card table's wire protocol: newline-delimited JSON
over TCP for game messages, and HB_PING/HB_PONG datagrams over UDP (by
default one port above the stream port) for latency and loss.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// setup loads the configuration and logger shared by every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = loaded
	logger = newLogger(cfg, cmd.ErrOrStderr())
	return nil
}

// loadConfig layers defaults, the config file, the environment and then
// explicitly set flags.
func loadConfig() (cardwire.Config, error) {
	c := cardwire.DefaultConfig()
	if cfgFile != "" {
		var err error
		c, err = cardwire.LoadConfig(cfgFile)
		if err != nil {
			return cardwire.Config{}, err
		}
	}

	if err := c.ApplyEnv(envFile); err != nil {
		return cardwire.Config{}, err
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("host") {
		c.Host = hostFlag
	}
	if flags.Changed("port") {
		c.Port = portFlag
	}
	if flags.Changed("probe-port") {
		c.ProbePort = probePort
	}
	if flags.Changed("interval") {
		c.ProbeInterval = secondsToDuration(intervalFlag)
	}
	if flags.Changed("strict") {
		c.StrictSequence = strictFlag
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}

	if err := c.Validate(); err != nil {
		return cardwire.Config{}, err
	}
	return c, nil
}

func newLogger(c cardwire.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRunE = setup

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (.toml, .yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with CARDWIRE_* variables")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	pf.StringVar(&hostFlag, "host", "", "table host")
	pf.IntVarP(&portFlag, "port", "p", 0, "table stream port")
	pf.IntVar(&probePort, "probe-port", 0, "probe port (default port+1)")
	pf.Float64Var(&intervalFlag, "interval", 1.0, "probe interval in seconds")
	pf.BoolVar(&strictFlag, "strict", false, "accept only replies to outstanding probe requests")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
