package cardwire

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvHost           = "CARDWIRE_HOST"
	EnvPort           = "CARDWIRE_PORT"
	EnvProbePort      = "CARDWIRE_PROBE_PORT"
	EnvProbeInterval  = "CARDWIRE_PROBE_INTERVAL"
	EnvStrictSequence = "CARDWIRE_STRICT_SEQUENCE"
	EnvMaxFrameSize   = "CARDWIRE_MAX_FRAME_SIZE"
	EnvConnectTimeout = "CARDWIRE_CONNECT_TIMEOUT"
	EnvStopTimeout    = "CARDWIRE_STOP_TIMEOUT"
	EnvLogLevel       = "CARDWIRE_LOG_LEVEL"
	EnvLogFormat      = "CARDWIRE_LOG_FORMAT"
)

// Config is the connection configuration shared by the CLI and embedders.
type Config struct {
	Host string
	Port int
	// ProbePort is the UDP port of the responder. Zero means Port+1.
	ProbePort      int
	ProbeInterval  time.Duration
	StrictSequence bool
	MaxFrameSize   int
	// ConnectTimeout bounds Connect when the caller builds its context from
	// the config. The transport itself never times out a dial.
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
	LogLevel       string
	LogFormat      string
}

// DefaultConfig returns the defaults of a local table.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8888,
		ProbeInterval:  DefaultProbeInterval,
		MaxFrameSize:   defaultMaxFrameSize,
		ConnectTimeout: 5 * time.Second,
		StopTimeout:    defaultStopTimeout,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// fileConfig mirrors Config in a config file. Durations are strings such as
// "500ms"; probe_interval also accepts plain seconds ("1.5").
type fileConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	ProbePort      int    `toml:"probe_port" yaml:"probe_port"`
	ProbeInterval  string `toml:"probe_interval" yaml:"probe_interval"`
	StrictSequence bool   `toml:"strict_sequence" yaml:"strict_sequence"`
	MaxFrameSize   int    `toml:"max_frame_size" yaml:"max_frame_size"`
	ConnectTimeout string `toml:"connect_timeout" yaml:"connect_timeout"`
	StopTimeout    string `toml:"stop_timeout" yaml:"stop_timeout"`
	LogLevel       string `toml:"log_level" yaml:"log_level"`
	LogFormat      string `toml:"log_format" yaml:"log_format"`
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file over the
// defaults. Keys absent from the file keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var (
		raw     fileConfig
		defined func(key string) bool
	)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
		defined = func(key string) bool { _, ok := keys[key]; return ok }
	default:
		return Config{}, errors.Errorf("load config: unsupported file type %q", ext)
	}

	if err := raw.apply(&cfg, defined); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (raw fileConfig) apply(cfg *Config, defined func(string) bool) error {
	if defined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if defined("port") {
		cfg.Port = raw.Port
	}
	if defined("probe_port") {
		cfg.ProbePort = raw.ProbePort
	}
	if defined("probe_interval") {
		d, err := parseInterval(raw.ProbeInterval)
		if err != nil {
			return errors.Wrap(err, "parse probe_interval")
		}
		cfg.ProbeInterval = d
	}
	if defined("strict_sequence") {
		cfg.StrictSequence = raw.StrictSequence
	}
	if defined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if defined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return errors.Wrap(err, "parse connect_timeout")
		}
		cfg.ConnectTimeout = d
	}
	if defined("stop_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StopTimeout))
		if err != nil {
			return errors.Wrap(err, "parse stop_timeout")
		}
		cfg.StopTimeout = d
	}
	if defined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if defined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	return nil
}

// parseInterval accepts a Go duration or a number of seconds.
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// ApplyEnv loads envFile, if given and present, into the process
// environment and then applies any CARDWIRE_* variables over cfg.
// Variables already set in the environment win over the file.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "load %s", envFile)
		}
	}

	if v := os.Getenv(EnvHost); v != "" {
		c.Host = strings.TrimSpace(v)
	}
	if err := envInt(&c.Port, EnvPort); err != nil {
		return err
	}
	if err := envInt(&c.ProbePort, EnvProbePort); err != nil {
		return err
	}
	if v := os.Getenv(EnvProbeInterval); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return errors.Wrapf(err, "invalid value for %s", EnvProbeInterval)
		}
		c.ProbeInterval = d
	}
	if v := os.Getenv(EnvStrictSequence); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "invalid value for %s", EnvStrictSequence)
		}
		c.StrictSequence = b
	}
	if err := envInt(&c.MaxFrameSize, EnvMaxFrameSize); err != nil {
		return err
	}
	if err := envDuration(&c.ConnectTimeout, EnvConnectTimeout); err != nil {
		return err
	}
	if err := envDuration(&c.StopTimeout, EnvStopTimeout); err != nil {
		return err
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.LogFormat = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

func envInt(target *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", key)
	}
	*target = n
	return nil
}

func envDuration(target *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", key)
	}
	*target = d
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []string

	if c.Host == "" {
		problems = append(problems, "host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, "port must be between 1 and 65535")
	}
	if c.ProbePort != 0 && (c.ProbePort < 1 || c.ProbePort > 65535) {
		problems = append(problems, "probe_port must be between 1 and 65535")
	}
	if c.ProbePort == 0 && c.Port == 65535 {
		problems = append(problems, "probe_port must be set when port is 65535")
	}
	if c.ProbeInterval <= 0 {
		problems = append(problems, "probe_interval must be positive")
	}
	if c.MaxFrameSize <= 0 {
		problems = append(problems, "max_frame_size must be positive")
	}
	if c.ConnectTimeout < 0 {
		problems = append(problems, "connect_timeout must not be negative")
	}
	if c.StopTimeout <= 0 {
		problems = append(problems, "stop_timeout must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "log_level must be one of: debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, "log_format must be one of: text, json")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the stream endpoint as host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ResolvedProbePort returns ProbePort, or Port+1 when it is unset.
func (c Config) ResolvedProbePort() int {
	if c.ProbePort != 0 {
		return c.ProbePort
	}
	return c.Port + 1
}

// ProbeAddr returns the probe endpoint as host:port.
func (c Config) ProbeAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ResolvedProbePort()))
}

// ChannelOptions returns the Channel options implied by the config.
func (c Config) ChannelOptions(logger Logger) []Option {
	return []Option{
		MaxFrameSizeOption(c.MaxFrameSize),
		LoggerOption(logger),
	}
}

// ProbeOptions returns the Probe options implied by the config.
func (c Config) ProbeOptions(logger Logger) []ProbeOption {
	return []ProbeOption{
		StrictSequenceOption(c.StrictSequence),
		StopTimeoutOption(c.StopTimeout),
		ProbeLoggerOption(logger),
	}
}
