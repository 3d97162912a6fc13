package cardwire

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Every Channel, Probe, Server and Responder takes its own Logger; there is
// no package-level logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// sampledLogger lets the first warning through and then at most one per
// interval. Probes on a lossy network can fail every send; the log should
// say so without repeating it every tick.
type sampledLogger struct {
	Logger
	every rate.Sometimes
}

func newSampledLogger(l Logger, interval time.Duration) *sampledLogger {
	return &sampledLogger{
		Logger: l,
		every:  rate.Sometimes{First: 1, Interval: interval},
	}
}

// Warn logs msg if the sampling window allows it.
func (l *sampledLogger) Warn(msg string, args ...any) {
	l.every.Do(func() {
		l.Logger.Warn(msg, args...)
	})
}
