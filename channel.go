// Package cardwire is the client-side message transport of the card table:
// an ordered, newline-delimited JSON channel over TCP and an independent
// UDP liveness probe that estimates latency and packet loss.
package cardwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by channel operations.
var (
	// ErrNoMessage is returned by Poll when nothing is buffered yet.
	ErrNoMessage = errors.New("no message")
	// ErrNotConnected is returned when the channel was never connected.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a channel already in use.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrConnectionClosed is returned after Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTransportClosed is returned once the peer closed the stream or the
	// stream failed. Messages received before that are still delivered first.
	ErrTransportClosed = errors.New("transport closed")
)

// ConnectError is returned when the initial connect fails. The channel stays
// Disconnected; there is no retry.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a Channel.
type State int32

const (
	// Disconnected is the initial state, and the state after the peer drops.
	Disconnected State = iota
	// Connected means the receiver is running.
	Connected
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Stats holds channel counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
	Queued       int    `json:"queued"`
}

// Channel is an ordered message stream over one TCP connection.
//
// A single receiver goroutine decodes frames and appends them to an
// unbounded FIFO; consumers take them with Poll or Recv in wire order.
// Send writes directly to the socket.
type Channel struct {
	opts   options
	logger Logger
	queue  *queue

	mu    sync.Mutex // guards conn, err and state changes
	conn  net.Conn
	err   error
	state atomic.Int32
	used  atomic.Bool

	writeMu sync.Mutex
	group   errgroup.Group
	done    chan struct{}

	sent         atomic.Uint64
	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

// New returns a disconnected Channel.
func New(opt ...Option) *Channel {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Channel{
		opts:   opts,
		logger: opts.logger,
		queue:  newQueue(),
		done:   make(chan struct{}),
	}
}

// Attach returns a Connected Channel over an established stream.
func Attach(conn net.Conn, opt ...Option) *Channel {
	c := New(opt...)
	c.used.Store(true)

	c.mu.Lock()
	c.start(conn)
	c.mu.Unlock()

	return c
}

// Connect dials host:port and starts the receiver. It blocks for as long as
// the dial does; use ctx to bound it. On failure it returns a *ConnectError
// and the channel stays Disconnected.
func (c *Channel) Connect(ctx context.Context, host string, port int) error {
	if c.State() == Closed {
		return ErrConnectionClosed
	}
	if !c.used.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.used.Store(false)
		c.logger.Warn("connect failed", "addr", addr, "error", err)
		return &ConnectError{Addr: addr, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Closed {
		_ = conn.Close()
		return ErrConnectionClosed
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c.start(conn)
	return nil
}

// start must be called with c.mu held.
func (c *Channel) start(conn net.Conn) {
	c.conn = conn
	c.state.Store(int32(Connected))

	c.logger.Info("connection established", "addr", conn.RemoteAddr())
	c.logger.Debug("connection options", "addr", conn.RemoteAddr(),
		"max_frame_size", c.opts.maxFrameSize)

	reader := bufio.NewReader(conn)
	c.group.Go(func() error {
		return c.receiveLoop(conn, reader)
	})
}

// receiveLoop decodes frames until the stream ends or fails fatally.
func (c *Channel) receiveLoop(conn net.Conn, r *bufio.Reader) error {
	for {
		message, err := c.opts.codec.Decode(r)
		if err != nil {
			if IsDecodeError(err) {
				c.decodeErrors.Add(1)
				c.logger.Debug("decode error", "addr", conn.RemoteAddr(), "error", err)
				if c.opts.onError(err) == Continue {
					continue
				}
			}
			return c.finish(conn, err)
		}

		c.received.Add(1)
		c.queue.push(message)
	}
}

// finish records why the receiver stopped and releases the socket.
func (c *Channel) finish(conn net.Conn, cause error) error {
	c.mu.Lock()
	defer close(c.done)
	defer c.mu.Unlock()

	_ = conn.Close()

	if c.State() == Closed {
		c.logger.Debug("receiver stopped", "addr", conn.RemoteAddr())
		return nil
	}

	c.err = terminalError(cause)
	c.state.Store(int32(Disconnected))

	if errors.Is(c.err, ErrTransportClosed) && errors.Is(cause, ErrEndOfStream) {
		c.logger.Info("connection closed by peer", "addr", conn.RemoteAddr())
	} else {
		c.logger.Info("connection closed with error", "addr", conn.RemoteAddr(), "error", c.err)
	}
	return c.err
}

// terminalError maps a receive failure onto what Poll reports.
func terminalError(err error) error {
	switch {
	case errors.Is(err, ErrEndOfStream):
		return ErrTransportClosed
	case IsDecodeError(err), errors.Is(err, ErrFrameTooLarge):
		return err
	default:
		return errors.WithMessagef(ErrTransportClosed, "%v", err)
	}
}

// Send encodes m and writes it to the socket. Writes are serialized, but the
// call blocks for as long as the socket write does.
func (c *Channel) Send(m Message) error {
	c.mu.Lock()
	conn, state, cause := c.conn, c.State(), c.err
	c.mu.Unlock()

	switch state {
	case Closed:
		return ErrConnectionClosed
	case Disconnected:
		if cause != nil {
			return ErrTransportClosed
		}
		return ErrNotConnected
	}

	data, err := c.opts.codec.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := conn.Write(data); err != nil {
		c.logger.Debug("write error", "addr", conn.RemoteAddr(), "error", err)
		return errors.Wrap(err, "send")
	}
	c.sent.Add(1)
	return nil
}

// Poll returns the oldest buffered message without blocking.
//
// It returns ErrNoMessage while connected with nothing buffered. Once the
// receiver has stopped, remaining messages are still returned in order and
// then the terminal error (ErrTransportClosed, a *DecodeError or
// ErrFrameTooLarge). After Close it returns ErrConnectionClosed.
func (c *Channel) Poll() (Message, error) {
	if c.State() == Closed {
		return nil, ErrConnectionClosed
	}
	if m, ok := c.queue.pop(); ok {
		return m, nil
	}

	switch c.State() {
	case Connected:
		return nil, ErrNoMessage
	case Closed:
		return nil, ErrConnectionClosed
	}

	// The receiver may have pushed a last frame between the pop and the
	// state change.
	if m, ok := c.queue.pop(); ok {
		return m, nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotConnected
}

// Recv waits for the next message, the end of the stream, or ctx.
// It yields messages in the same order Poll does.
func (c *Channel) Recv(ctx context.Context) (Message, error) {
	for {
		m, err := c.Poll()
		if !errors.Is(err, ErrNoMessage) {
			return m, err
		}

		select {
		case <-c.queue.wait():
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the channel. The socket is closed before Close returns, which
// unblocks the receiver; use Wait to observe the receiver's exit.
// Safe to call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Closed {
		return nil
	}
	c.state.Store(int32(Closed))

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.logger.Info("connection closed", "addr", c.conn.RemoteAddr())
	return err
}

// Wait blocks until the receiver has exited and returns its terminal error,
// or nil if the channel was closed locally or never connected.
func (c *Channel) Wait() error {
	return c.group.Wait()
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsClosed returns true if Close has been called.
func (c *Channel) IsClosed() bool {
	return c.State() == Closed
}

// Err returns why the receiver stopped, or nil while it runs.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Queued:       c.queue.len(),
	}
}

// Addr returns the remote address, or nil before Connect.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
