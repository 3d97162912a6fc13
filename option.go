package cardwire

import (
	"time"
)

// ErrorAction defines the action to take when a receive error occurs.
type ErrorAction int

const (
	// Disconnect stops the receiver and closes the connection.
	Disconnect ErrorAction = iota
	// Continue drops the failed frame and keeps reading.
	Continue
)

// defaultOnError keeps the stream alive across malformed records, which
// leave the framing in sync, and treats everything else as fatal.
func defaultOnError(err error) ErrorAction {
	if IsDecodeError(err) {
		return Continue
	}
	return Disconnect
}

// options holds the configuration for a Channel.
type options struct {
	codec  Codec
	logger Logger

	// onError is called for every receive error.
	// Returns Disconnect to close the connection, Continue to skip the frame.
	onError func(error) ErrorAction

	maxFrameSize int // maximum size of a single frame
}

// Option is a function that configures a Channel.
type Option func(*options)

// CustomCodecOption returns an Option that replaces the line codec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// MaxFrameSizeOption returns an Option that sets the maximum frame size used
// by the default line codec. Larger records end the connection.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// OnErrorOption returns an Option that sets the receive error callback.
// By default malformed records are skipped and everything else disconnects;
// a callback that always returns Disconnect makes a bad record end the
// session the same way a closed stream does.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions fills in defaults.
func checkOptions(opts *options) {
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.codec == nil {
		opts.codec = NewLineCodec(opts.maxFrameSize)
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// Probe defaults.
const (
	// DefaultProbeInterval is the time between two probe requests.
	DefaultProbeInterval = time.Second
	// defaultStopTimeout bounds how long Stop waits for the loop to exit.
	defaultStopTimeout = time.Second
	// defaultSequenceWindow is how many outstanding requests strict mode remembers.
	defaultSequenceWindow = 64
	// maxPollWait caps a single receive wait so the loop notices Stop promptly.
	maxPollWait = 100 * time.Millisecond
	// maxDatagramSize is the receive buffer for probe replies.
	maxDatagramSize = 1024
)

// probeOptions holds the configuration for a Probe.
type probeOptions struct {
	logger         Logger
	strict         bool
	sequenceWindow int
	stopTimeout    time.Duration
	now            func() time.Time
}

// ProbeOption configures a Probe.
type ProbeOption func(*probeOptions)

// ProbeLoggerOption sets the logger for the probe.
func ProbeLoggerOption(logger Logger) ProbeOption {
	return func(o *probeOptions) {
		o.logger = logger
	}
}

// StrictSequenceOption makes the probe accept only replies to requests it
// still has outstanding. Duplicated, stale and unknown sequence numbers are
// dropped. The default accepts any well-formed reply, which tolerates
// reordering but also counts duplicates.
func StrictSequenceOption(strict bool) ProbeOption {
	return func(o *probeOptions) {
		o.strict = strict
	}
}

// SequenceWindowOption sets how many outstanding requests strict mode tracks.
func SequenceWindowOption(n int) ProbeOption {
	return func(o *probeOptions) {
		o.sequenceWindow = n
	}
}

// StopTimeoutOption bounds how long Stop waits for the loop to exit before
// closing the socket anyway.
func StopTimeoutOption(timeout time.Duration) ProbeOption {
	return func(o *probeOptions) {
		o.stopTimeout = timeout
	}
}

func checkProbeOptions(opts *probeOptions) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.sequenceWindow <= 0 {
		opts.sequenceWindow = defaultSequenceWindow
	}
	if opts.stopTimeout <= 0 {
		opts.stopTimeout = defaultStopTimeout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
}
