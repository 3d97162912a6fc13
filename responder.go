package cardwire

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Responder defaults.
const (
	defaultStaleAfter = 10 * time.Second
	defaultSweepEvery = 5 * time.Second
)

// Peer is what a Responder knows about one probing client.
type Peer struct {
	Addr     string    `json:"addr" yaml:"addr"`
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`
	Pings    uint64    `json:"pings" yaml:"pings"`
	LastSeq  uint64    `json:"last_seq" yaml:"last_seq"`
}

// Responder answers probe requests on a UDP socket. It is the peer a Probe
// talks to: every well-formed Ping gets a Pong echoing seq and t_client_ms.
// Peers that stay silent longer than the stale threshold are forgotten.
type Responder struct {
	conn       *net.UDPConn
	logger     Logger
	staleAfter time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu       sync.Mutex
	peers    map[string]*Peer
	shutdown bool
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// ResponderLoggerOption sets the logger for the responder.
func ResponderLoggerOption(logger Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = logger
	}
}

// StaleAfterOption sets how long a peer may stay silent before it is dropped.
func StaleAfterOption(d time.Duration) ResponderOption {
	return func(r *Responder) {
		r.staleAfter = d
	}
}

// NewResponder binds a UDP socket to addr.
func NewResponder(addr *net.UDPAddr, opts ...ResponderOption) (*Responder, error) {
	conn, err := net.ListenUDP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}

	r := &Responder{
		conn:       conn,
		logger:     slog.Default(),
		staleAfter: defaultStaleAfter,
		sweepEvery: defaultSweepEvery,
		now:        time.Now,
		peers:      make(map[string]*Peer),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Serve answers requests until ctx is canceled, Close is called or the socket
// fails. Nothing it started outlives it.
func (r *Responder) Serve(ctx context.Context) error {
	r.logger.Info("responder started", "addr", r.conn.LocalAddr())

	quit := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case <-ctx.Done():
		case <-quit:
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.shutdown = true
		// Unblock the pending read.
		_ = r.conn.SetReadDeadline(time.Now())
	}()
	defer func() {
		close(quit)
		<-watching
	}()

	buf := make([]byte, maxDatagramSize)
	lastSweep := r.now()

	for {
		if !r.armDeadline() {
			r.logger.Info("responder stopped", "addr", r.conn.LocalAddr())
			return ctx.Err()
		}
		n, addr, err := r.conn.ReadFromUDP(buf)

		if r.isShutdown() {
			r.logger.Info("responder stopped", "addr", r.conn.LocalAddr())
			return ctx.Err()
		}

		if err != nil {
			if !isTimeout(err) {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				r.logger.Error("responder read error", "error", err)
				return err
			}
		} else {
			r.handle(buf[:n], addr)
		}

		if now := r.now(); now.Sub(lastSweep) >= r.sweepEvery {
			if stale := r.sweep(now); len(stale) > 0 {
				r.logger.Info("removed stale peers", "count", len(stale))
			}
			lastSweep = now
		}
	}
}

// armDeadline bounds the next read by the sweep period. It reports false
// once shutdown has begun; holding mu keeps it from overriding the deadline
// set on shutdown.
func (r *Responder) armDeadline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	_ = r.conn.SetReadDeadline(time.Now().Add(r.sweepEvery))
	return true
}

func (r *Responder) isShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// pingRequest is a Ping as read off the wire; a missing t_client_ms stays nil.
type pingRequest struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	TClientMs *int64 `json:"t_client_ms"`
}

// handle answers one datagram. Malformed or other-kind payloads, and pings
// without a client timestamp, are ignored.
func (r *Responder) handle(data []byte, addr *net.UDPAddr) {
	var ping pingRequest
	if err := json.Unmarshal(data, &ping); err != nil {
		r.logger.Debug("responder ignored datagram", "addr", addr, "error", err)
		return
	}
	if ping.Type != KindPing {
		r.logger.Debug("responder ignored message", "addr", addr, "type", ping.Type)
		return
	}
	if ping.TClientMs == nil {
		r.logger.Debug("responder ignored ping without timestamp", "addr", addr, "seq", ping.Seq)
		return
	}

	now := r.now()
	r.track(addr.String(), ping.Seq, now)

	reply, err := json.Marshal(Pong{
		Type:      KindPong,
		Seq:       ping.Seq,
		TClientMs: ping.TClientMs,
		TServerMs: now.UnixMilli(),
	})
	if err != nil {
		r.logger.Error("encode pong", "error", err)
		return
	}

	if _, err := r.conn.WriteToUDP(reply, addr); err != nil {
		r.logger.Warn("responder write error", "addr", addr, "error", err)
		return
	}
	r.logger.Debug("ping answered", "addr", addr, "seq", ping.Seq)
}

func (r *Responder) track(addr string, seq uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[addr]
	if !ok {
		peer = &Peer{Addr: addr}
		r.peers[addr] = peer
	}
	peer.LastSeen = now
	peer.Pings++
	peer.LastSeq = seq
}

// sweep forgets peers silent for longer than the stale threshold and
// returns their addresses.
func (r *Responder) sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for addr, peer := range r.peers {
		if now.Sub(peer.LastSeen) > r.staleAfter {
			r.logger.Warn("peer is stale", "addr", addr, "silent_for", now.Sub(peer.LastSeen))
			stale = append(stale, addr)
			delete(r.peers, addr)
		}
	}
	sort.Strings(stale)
	return stale
}

// Peers returns a snapshot of the known peers ordered by address.
func (r *Responder) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Addr < peers[j].Addr })
	return peers
}

// Close closes the socket. Serve returns once its pending read fails.
func (r *Responder) Close() error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	return r.conn.Close()
}

// Addr returns the socket's local address.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}
