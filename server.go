package cardwire

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler serves one accepted stream. The channel is already Connected;
// Handle owns it and should return once the channel stops delivering.
type Handler interface {
	Handle(ctx context.Context, ch *Channel)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ch *Channel)

// Handle calls f(ctx, ch).
func (f HandlerFunc) Handle(ctx context.Context, ch *Channel) {
	f(ctx, ch)
}

// Server is the stream-side peer of the transport: it accepts TCP
// connections and serves each one as a Channel. Local tables and tests
// use it in place of the game server.
type Server struct {
	ln          *net.TCPListener
	logger      Logger
	grace       time.Duration
	channelOpts []Option

	mu        sync.Mutex
	stopping  bool
	live      map[*Channel]struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the server's logger. Accepted channels inherit it
// unless ServerChannelOption overrides it.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption keeps the server accepting for d after its
// context is canceled. Close cuts the wait short. Zero stops at once.
func ServerShutdownTimeoutOption(d time.Duration) ServerOption {
	return func(s *Server) {
		s.grace = d
	}
}

// ServerChannelOption sets the options applied to every accepted Channel.
func ServerChannelOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.channelOpts = append(s.channelOpts, opts...)
	}
}

// NewServer listens on addr.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	ln, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen tcp")
	}

	s := &Server{
		ln:     ln,
		logger: slog.Default(),
		live:   make(map[*Channel]struct{}),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve hands every accepted connection to handler until ctx is done, Close
// is called or accepting fails. Before returning it closes the channels still
// open and waits for their handlers.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server listening", "addr", s.ln.Addr())

	var handlers errgroup.Group
	quit := make(chan struct{})
	watching := make(chan struct{})
	defer func() {
		close(quit)
		<-watching
		s.closeLive()
		_ = handlers.Wait()
	}()

	go func() {
		defer close(watching)
		s.stopAccepting(ctx, quit)
	}()

	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if s.isStopping() {
				s.logger.Info("server stopped", "addr", s.ln.Addr())
				return ctx.Err()
			}
			if isTimeout(err) {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return errors.Wrap(err, "accept")
		}

		_ = conn.SetNoDelay(true)
		ch := Attach(conn, append([]Option{LoggerOption(s.logger)}, s.channelOpts...)...)
		s.add(ch)

		handlers.Go(func() error {
			defer s.remove(ch)
			defer ch.Close()
			handler.Handle(ctx, ch)
			return nil
		})
	}
}

// stopAccepting waits for ctx, then for the grace period, and finally
// unblocks Accept. Close or the end of Serve (quit) abandons either wait.
func (s *Server) stopAccepting(ctx context.Context, quit <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-s.closed:
		return
	case <-quit:
		return
	}

	if s.grace > 0 {
		s.logger.Info("draining before shutdown", "grace", s.grace)
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return
		case <-quit:
			return
		}
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	_ = s.ln.SetDeadline(time.Now())
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) add(ch *Channel) {
	s.mu.Lock()
	s.live[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(ch *Channel) {
	s.mu.Lock()
	delete(s.live, ch)
	s.mu.Unlock()
}

// closeLive closes every channel still being served.
func (s *Server) closeLive() {
	s.mu.Lock()
	open := make([]*Channel, 0, len(s.live))
	for ch := range s.live {
		open = append(open, ch)
	}
	s.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}
}

// Close closes the listener, ending Serve and any pending grace period.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	return s.ln.Close()
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}
