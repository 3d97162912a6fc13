package cardwire

import (
	"bufio"
	"errors"
	"testing"
	"time"
)

// stubCodec is a Codec that decodes nothing and encodes a fixed frame.
type stubCodec struct{}

func (stubCodec) Decode(*bufio.Reader) (Message, error) { return nil, ErrEndOfStream }
func (stubCodec) Encode(Message) ([]byte, error)         { return []byte("stub\n"), nil }

func TestCustomCodecOption(t *testing.T) {
	codec := stubCodec{}
	opt := CustomCodecOption(codec)

	var opts options
	opt(&opts)

	if opts.codec != codec {
		t.Error("codec not set correctly")
	}
}

func TestMaxFrameSizeOption(t *testing.T) {
	var opts options
	MaxFrameSizeOption(4096)(&opts)
	checkOptions(&opts)

	if opts.maxFrameSize != 4096 {
		t.Errorf("maxFrameSize = %d, want 4096", opts.maxFrameSize)
	}
	if lc, ok := opts.codec.(*LineCodec); !ok || lc.maxFrameSize != 4096 {
		t.Errorf("codec = %#v, want a LineCodec limited to 4096", opts.codec)
	}
}

func TestOnErrorOption(t *testing.T) {
	called := false
	onError := func(err error) ErrorAction {
		called = true
		return Disconnect
	}

	var opts options
	OnErrorOption(onError)(&opts)

	if opts.onError == nil {
		t.Fatal("onError is nil")
	}
	if opts.onError(nil) != Disconnect || !called {
		t.Error("onError callback not called")
	}
}

func TestLoggerOption(t *testing.T) {
	logger := newRecordLogger()

	var opts options
	LoggerOption(logger)(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestCheckOptions_Defaults(t *testing.T) {
	var opts options
	checkOptions(&opts)

	if opts.maxFrameSize != defaultMaxFrameSize {
		t.Errorf("maxFrameSize = %d, want %d", opts.maxFrameSize, defaultMaxFrameSize)
	}
	if _, ok := opts.codec.(*LineCodec); !ok {
		t.Errorf("codec = %T, want *LineCodec", opts.codec)
	}
	if opts.onError == nil {
		t.Error("onError not defaulted")
	}
	if opts.logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestCheckOptions_KeepsCustomCodec(t *testing.T) {
	opts := options{codec: stubCodec{}, maxFrameSize: 16}
	checkOptions(&opts)

	if _, ok := opts.codec.(stubCodec); !ok {
		t.Errorf("codec = %T, want stubCodec", opts.codec)
	}
}

func TestDefaultOnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorAction
	}{
		{"decode error", &DecodeError{Err: errors.New("bad")}, Continue},
		{"end of stream", ErrEndOfStream, Disconnect},
		{"frame too large", ErrFrameTooLarge, Disconnect},
		{"read error", errors.New("connection reset"), Disconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := defaultOnError(tt.err); got != tt.want {
				t.Errorf("defaultOnError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestProbeOptions(t *testing.T) {
	logger := newRecordLogger()

	var opts probeOptions
	for _, opt := range []ProbeOption{
		ProbeLoggerOption(logger),
		StrictSequenceOption(true),
		SequenceWindowOption(16),
		StopTimeoutOption(3 * time.Second),
	} {
		opt(&opts)
	}
	checkProbeOptions(&opts)

	if opts.logger != logger {
		t.Error("logger not set")
	}
	if !opts.strict {
		t.Error("strict not set")
	}
	if opts.sequenceWindow != 16 {
		t.Errorf("sequenceWindow = %d, want 16", opts.sequenceWindow)
	}
	if opts.stopTimeout != 3*time.Second {
		t.Errorf("stopTimeout = %v, want 3s", opts.stopTimeout)
	}
}

func TestCheckProbeOptions_Defaults(t *testing.T) {
	var opts probeOptions
	checkProbeOptions(&opts)

	if opts.strict {
		t.Error("strict should default to false")
	}
	if opts.sequenceWindow != defaultSequenceWindow {
		t.Errorf("sequenceWindow = %d, want %d", opts.sequenceWindow, defaultSequenceWindow)
	}
	if opts.stopTimeout != defaultStopTimeout {
		t.Errorf("stopTimeout = %v, want %v", opts.stopTimeout, defaultStopTimeout)
	}
	if opts.now == nil || opts.logger == nil {
		t.Error("clock or logger not defaulted")
	}
}

func TestErrorAction(t *testing.T) {
	if Disconnect != 0 {
		t.Errorf("Disconnect = %d, want 0", Disconnect)
	}
	if Continue != 1 {
		t.Errorf("Continue = %d, want 1", Continue)
	}
}
