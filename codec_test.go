package cardwire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns the underlying bytes in randomly sized pieces.
type chunkReader struct {
	data []byte
	rnd  *rand.Rand
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + r.rnd.Intn(min(len(r.data), len(p), 7))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func decodeAll(t *testing.T, r io.Reader) ([]Message, error) {
	t.Helper()

	dec := NewDecoder(r, nil)
	var out []Message
	for {
		m, err := dec.Next()
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}

func TestLineCodec_Encode(t *testing.T) {
	codec := NewLineCodec(0)

	data, err := codec.Encode(NewMessage("PLAY", "card", "AS", "note", "<b>&</b>"))
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
	assert.Equal(t, `{"card":"AS","note":"<b>&</b>","type":"PLAY"}`+"\n", string(data))
}

func TestLineCodec_Encode_EmbeddedNewline(t *testing.T) {
	data, err := NewLineCodec(0).Encode(NewMessage("CHAT", "text", "line one\nline two"))
	require.NoError(t, err)

	// The newline inside the string is escaped, so the frame stays one record.
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))

	m, err := NewDecoder(bytes.NewReader(data), nil).Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", m.StringField("text"))
}

func TestLineCodec_Encode_Invalid(t *testing.T) {
	codec := NewLineCodec(0)

	_, err := codec.Encode(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = codec.Encode(Message{"f": func() {}})
	assert.Error(t, err)
}

func TestLineCodec_RoundTrip(t *testing.T) {
	codec := NewLineCodec(0)

	// Numbers decode as json.Number, so messages built that way compare equal.
	messages := []Message{
		{"type": "PING"},
		{"type": "DEAL", "hand": []any{"AS", "KH", "10D"}, "n": json.Number("3")},
		{"type": "YOUR_TURN", "table": []any{map[string]any{"player": "P2", "card": "3H"}}, "timeout_ms": json.Number("30000")},
		{"type": "TRICK_RESULT", "score": map[string]any{"HUMAN": json.Number("1"), "AI": json.Number("0")}, "winner": nil},
		{"type": "BIG", "id": json.Number("9007199254740993"), "ratio": json.Number("0.125"), "neg": json.Number("-42")},
		{"no_type": true},
		{},
	}

	var stream bytes.Buffer
	for _, m := range messages {
		data, err := codec.Encode(m)
		require.NoError(t, err)
		stream.Write(data)
	}

	got, err := decodeAll(t, &stream)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, messages, got)
}

func TestLineCodec_LargeIntegers(t *testing.T) {
	codec := NewLineCodec(0)

	values := []int64{1<<53 + 1, math.MaxInt64, math.MinInt64, -(1<<53 + 1)}
	for _, v := range values {
		data, err := codec.Encode(NewMessage("DEAL", "id", v))
		require.NoError(t, err)

		m, err := NewDecoder(bytes.NewReader(data), nil).Next()
		require.NoError(t, err)

		id, ok := m.IntField("id")
		require.True(t, ok)
		assert.Equal(t, v, id)

		again, err := codec.Encode(m)
		require.NoError(t, err)
		assert.Equal(t, string(data), string(again))
	}
}

func TestLineCodec_TrailingData(t *testing.T) {
	_, err := NewDecoder(strings.NewReader(`{"type":"A"} {"type":"B"}`+"\n"), nil).Next()
	assert.True(t, IsDecodeError(err), "got %v", err)
}

func TestLineCodec_TwoFramesOneChunk(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"PING"}`+"\n"+`{"type":"PONG"}`+"\n"), nil)

	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Message{"type": "PING"}, m)

	m, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Message{"type": "PONG"}, m)

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestLineCodec_InvalidJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{invalid json\n"), nil)

	_, err := dec.Next()
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "{invalid json", string(decodeErr.Frame))
	assert.True(t, IsDecodeError(err))
	assert.False(t, errors.Is(err, ErrEndOfStream))
}

func TestLineCodec_DecodeError_Resyncs(t *testing.T) {
	dec := NewDecoder(strings.NewReader("garbage\n"+`{"type":"OK"}`+"\n"), nil)

	_, err := dec.Next()
	assert.True(t, IsDecodeError(err))

	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "OK", m.Type())
}

func TestLineCodec_NonObject(t *testing.T) {
	for _, record := range []string{"null", "[1,2]", `"text"`, "42", "true"} {
		t.Run(record, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(record+"\n"), nil).Next()
			assert.True(t, IsDecodeError(err), "got %v", err)
		})
	}
}

func TestLineCodec_BlankLinesSkipped(t *testing.T) {
	got, err := decodeAll(t, strings.NewReader("\n  \n"+`{"type":"A"}`+"\r\n\n"+`{"type":"B"}`+"\n"))

	assert.ErrorIs(t, err, ErrEndOfStream)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Type())
	assert.Equal(t, "B", got[1].Type())
}

func TestLineCodec_PartialFrameAtEOF(t *testing.T) {
	got, err := decodeAll(t, strings.NewReader(`{"type":"A"}`+"\n"+`{"type":"B"`))

	assert.ErrorIs(t, err, ErrEndOfStream)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Type())
}

func TestLineCodec_EmptyStream(t *testing.T) {
	_, err := NewDecoder(strings.NewReader(""), nil).Next()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestLineCodec_FrameTooLarge(t *testing.T) {
	big := `{"type":"` + strings.Repeat("x", 10000) + `"}` + "\n"

	_, err := NewDecoder(strings.NewReader(big), NewLineCodec(1024)).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// A frame right at the limit is accepted.
	exact := `{"type":"` + strings.Repeat("x", 1024-11) + `"}`
	require.Len(t, exact, 1024)
	m, err := NewDecoder(strings.NewReader(exact+"\n"), NewLineCodec(1024)).Next()
	require.NoError(t, err)
	assert.Len(t, m.Type(), 1024-11)
}

func TestLineCodec_LargeFrameAcrossBuffer(t *testing.T) {
	// Larger than bufio's default buffer, smaller than the limit.
	payload := strings.Repeat("y", 3*4096)
	got, err := decodeAll(t, strings.NewReader(`{"type":"BIG","v":"`+payload+`"}`+"\n"))

	assert.ErrorIs(t, err, ErrEndOfStream)
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].StringField("v"))
}

func TestLineCodec_ReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader(`{"type":"A"}`+"\n"+`{"ty`), iotest.ErrReader(boom))

	got, err := decodeAll(t, r)
	require.Len(t, got, 1)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrEndOfStream))
}

func TestLineCodec_ChunkingInvariance(t *testing.T) {
	codec := NewLineCodec(0)

	var stream bytes.Buffer
	var want []Message
	for i := 0; i < 50; i++ {
		m := NewMessage("SEQ", "i", json.Number(strconv.Itoa(i)), "pad", strings.Repeat("z", i*3))
		data, err := codec.Encode(m)
		require.NoError(t, err)
		stream.Write(data)
		want = append(want, m)
	}
	raw := stream.Bytes()

	readers := map[string]func() io.Reader{
		"whole":    func() io.Reader { return bytes.NewReader(raw) },
		"one byte": func() io.Reader { return iotest.OneByteReader(bytes.NewReader(raw)) },
		"half":     func() io.Reader { return iotest.HalfReader(bytes.NewReader(raw)) },
		"data+EOF": func() io.Reader { return iotest.DataErrReader(bytes.NewReader(raw)) },
	}
	for seed := int64(1); seed <= 5; seed++ {
		seed := seed
		readers["random"+string(rune('0'+seed))] = func() io.Reader {
			return &chunkReader{data: raw, rnd: rand.New(rand.NewSource(seed))}
		}
	}

	for name, newReader := range readers {
		t.Run(name, func(t *testing.T) {
			got, err := decodeAll(t, newReader())
			assert.ErrorIs(t, err, ErrEndOfStream)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecoder_NextOrNil(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"A"}`+"\nbad\n"), nil)

	assert.Equal(t, "A", dec.NextOrNil().Type())
	assert.Nil(t, dec.NextOrNil())
	assert.Nil(t, dec.NextOrNil())
}

func TestDecodeError_Quoted(t *testing.T) {
	line := []byte(strings.Repeat("q", 500))
	_, err := parseFrame(line)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Len(t, decodeErr.Frame, maxQuotedFrame)
	assert.NotNil(t, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "decode frame")
}

func TestLineCodec_ReusesReader(t *testing.T) {
	codec := NewLineCodec(0)
	r := bufio.NewReader(strings.NewReader(`{"type":"A"}` + "\n" + `{"type":"B"}` + "\n"))

	a, err := codec.Decode(r)
	require.NoError(t, err)
	b, err := codec.Decode(r)
	require.NoError(t, err)

	assert.Equal(t, "A", a.Type())
	assert.Equal(t, "B", b.Type())
}
