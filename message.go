package cardwire

import (
	"bufio"
	"encoding/json"
	"math"
)

// Message kinds used by the transport itself.
const (
	// KindPing is the probe request sent over the datagram channel.
	KindPing = "HB_PING"
	// KindPong is the probe reply.
	KindPong = "HB_PONG"
	// KindHello conventionally opens a stream session. Interpreting its
	// fields is up to the peer.
	KindHello = "HELLO"
)

// TypeKey is the discriminator field carried by every message.
const TypeKey = "type"

// ProtocolVersion is the value sent in the proto field of HELLO.
const ProtocolVersion = 1

// Message is an open, string-keyed structured value exchanged over either
// channel. The transport enforces no schema beyond being a JSON object.
type Message map[string]any

// NewMessage returns a message of the given kind with the key-value pairs
// in kv applied. Keys must be strings; a trailing odd value is ignored.
func NewMessage(kind string, kv ...any) Message {
	m := Message{TypeKey: kind}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

// Hello builds the conventional session-opening message.
func Hello(role, nickname, auth string) Message {
	m := NewMessage(KindHello, "role", role, "nickname", nickname, "proto", ProtocolVersion)
	if auth != "" {
		m["auth"] = auth
	}
	return m
}

// Type returns the discriminator, or "" when absent or not a string.
func (m Message) Type() string {
	return m.StringField(TypeKey)
}

// StringField returns the string stored under key, or "".
func (m Message) StringField(key string) string {
	s, _ := m[key].(string)
	return s
}

// IntField returns the integral value stored under key. Numbers decoded from
// the wire arrive as float64 or json.Number; both are accepted.
func (m Message) IntField(key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// FloatField returns the numeric value stored under key.
func (m Message) FloatField(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Codec is the interface for framing messages on a stream.
//
// Decode is handed the same buffered reader on every call, so bytes read
// past the end of one frame stay available for the next.
type Codec interface {
	// Decode reads and decodes the next complete message from r.
	Decode(r *bufio.Reader) (Message, error)
	// Encode serializes a message into one wire frame, delimiter included.
	Encode(Message) ([]byte, error)
}
