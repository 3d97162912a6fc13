package cardwire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// defaultMaxFrameSize is the default size limit of a single frame (1MB).
const defaultMaxFrameSize = 1024 * 1024

// maxQuotedFrame bounds how much of a bad frame is kept in a DecodeError.
const maxQuotedFrame = 128

// Errors returned while framing.
var (
	// ErrEndOfStream is returned when the stream ends before a delimiter.
	// Any undelimited trailing bytes are discarded.
	ErrEndOfStream = errors.New("end of stream")
	// ErrFrameTooLarge is returned when a record exceeds the frame size limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrInvalidMessage is returned when encoding a nil message.
	ErrInvalidMessage = errors.New("invalid message")
)

// DecodeError reports a delimited record that is not a JSON object.
// The stream itself is still in sync after a DecodeError.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// LineCodec frames messages as newline-delimited JSON objects.
// JSON string escaping guarantees one message never spans two records.
type LineCodec struct {
	maxFrameSize int
}

// NewLineCodec returns a LineCodec limiting records to maxFrameSize bytes,
// delimiter excluded. A non-positive size selects the default.
func NewLineCodec(maxFrameSize int) *LineCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &LineCodec{maxFrameSize: maxFrameSize}
}

// Encode serializes m as one JSON object followed by a single '\n'.
// Keys are emitted in sorted order.
func (c *LineCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrInvalidMessage
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode terminates the value with '\n'.
	if err := enc.Encode(map[string]any(m)); err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return buf.Bytes(), nil
}

// Decode reads the next record from r and parses it. Blank records are
// skipped. The reader keeps any bytes past the delimiter for the next call,
// so callers must hand the same *bufio.Reader to every Decode.
func (c *LineCodec) Decode(r *bufio.Reader) (Message, error) {
	for {
		line, err := c.readFrame(r)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return parseFrame(line)
	}
}

// readFrame returns the bytes before the next delimiter.
func (c *LineCodec) readFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > c.limit()+1 {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			return frame[:len(frame)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, ErrEndOfStream
		default:
			return nil, errors.Wrap(err, "read frame")
		}
	}
}

func (c *LineCodec) limit() int {
	if c == nil || c.maxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return c.maxFrameSize
}

// parseFrame decodes one record. Numbers are kept as json.Number so integers
// beyond 2^53 survive a decode/encode round trip.
func parseFrame(line []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, &DecodeError{Frame: quote(line), Err: err}
	}
	if m == nil {
		return nil, &DecodeError{Frame: quote(line), Err: errors.New("not a JSON object")}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Frame: quote(line), Err: errors.New("trailing data after object")}
	}
	return m, nil
}

func quote(line []byte) []byte {
	if len(line) > maxQuotedFrame {
		line = line[:maxQuotedFrame]
	}
	return append([]byte(nil), line...)
}

// Decoder turns a byte stream into a sequence of messages. It owns the
// partial-frame buffer: after each call at most one incomplete record is
// held back.
type Decoder struct {
	codec Codec
	r     *bufio.Reader
}

// NewDecoder returns a Decoder reading frames from r with codec.
// A nil codec selects a LineCodec with the default frame limit.
func NewDecoder(r io.Reader, codec Codec) *Decoder {
	if codec == nil {
		codec = NewLineCodec(0)
	}
	return &Decoder{codec: codec, r: bufio.NewReader(r)}
}

// Next returns the next message. The error is ErrEndOfStream when the
// stream ended, a *DecodeError for a malformed record, ErrFrameTooLarge for
// an oversized one, or the underlying read error.
func (d *Decoder) Next() (Message, error) {
	return d.codec.Decode(d.r)
}

// NextOrNil is Next with every failure folded into a nil result, matching
// peers that cannot tell a closed stream from a bad record.
func (d *Decoder) NextOrNil() Message {
	m, err := d.Next()
	if err != nil {
		return nil
	}
	return m
}
