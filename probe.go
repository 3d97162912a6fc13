package cardwire

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Errors returned by probe operations.
var (
	// ErrProbeRunning is returned by Start on a running probe.
	ErrProbeRunning = errors.New("probe already running")
	// ErrProbeStopped is returned by Start after Stop. A stopped probe
	// cannot be restarted; create a new one.
	ErrProbeStopped = errors.New("probe stopped")
)

// Ping is the probe request datagram.
type Ping struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	TClientMs int64  `json:"t_client_ms"`
}

// Pong is the probe reply datagram. TClientMs is echoed from the request;
// TServerMs is informational and never used for RTT.
type Pong struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	TClientMs *int64 `json:"t_client_ms"`
	TServerMs int64  `json:"t_server_ms"`
}

// Probe measures round-trip time and loss against a UDP responder.
//
// After Start a single goroutine sends a sequenced Ping every interval and
// reads replies in between. Metrics may be called from any goroutine.
type Probe struct {
	opts   probeOptions
	logger Logger
	warn   *sampledLogger

	mu          sync.Mutex // guards the counters below
	seq         uint64
	sent        uint64
	received    uint64
	dropped     uint64
	lastRTT     float64
	avgRTT      float64
	outstanding map[uint64]struct{}

	lifeMu  sync.Mutex // guards the lifecycle fields below
	conn    *net.UDPConn
	running bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewProbe returns an idle probe.
func NewProbe(opt ...ProbeOption) *Probe {
	var opts probeOptions
	for _, o := range opt {
		o(&opts)
	}
	checkProbeOptions(&opts)

	return &Probe{
		opts:        opts,
		logger:      opts.logger,
		warn:        newSampledLogger(opts.logger, 10*time.Second),
		outstanding: make(map[uint64]struct{}),
	}
}

// Start opens a UDP socket and begins probing host:port every interval.
// A non-positive interval selects DefaultProbeInterval.
func (p *Probe) Start(host string, port int, interval time.Duration) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	switch {
	case p.stopped:
		return ErrProbeStopped
	case p.running:
		return ErrProbeRunning
	}

	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "resolve probe target")
	}

	conn, err := net.ListenUDP(udpNetwork(target), nil)
	if err != nil {
		return errors.Wrap(err, "open probe socket")
	}

	p.conn = conn
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	p.logger.Info("probe started", "target", target, "interval", interval)
	go p.loop(conn, target, interval, p.stop, p.done)
	return nil
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// loop sends on schedule and waits for replies in between. Each wait is
// capped so a Stop is noticed within maxPollWait.
func (p *Probe) loop(conn *net.UDPConn, target *net.UDPAddr, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagramSize)
	next := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if now := time.Now(); !now.Before(next) {
			p.sendPing(conn, target)
			next = now.Add(interval)
		}

		wait := min(time.Until(next), maxPollWait)
		_ = conn.SetReadDeadline(time.Now().Add(max(wait, 0)))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stop:
			default:
				if !errors.Is(err, net.ErrClosed) {
					p.logger.Error("probe receive failed", "target", target, "error", err)
				}
			}
			return
		}

		p.handleReply(buf[:n])
	}
}

// sendPing emits the next sequenced request. A failed send is logged and
// not counted as sent.
func (p *Probe) sendPing(conn *net.UDPConn, target *net.UDPAddr) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	if p.opts.strict {
		p.expire(seq)
	}
	p.mu.Unlock()

	data, err := json.Marshal(Ping{
		Type:      KindPing,
		Seq:       seq,
		TClientMs: p.opts.now().UnixMilli(),
	})
	if err != nil {
		p.logger.Error("encode ping", "error", err)
		return
	}

	if _, err := conn.WriteToUDP(data, target); err != nil {
		p.warn.Warn("probe send failed", "target", target, "seq", seq, "error", err)
		return
	}

	p.mu.Lock()
	p.sent++
	if p.opts.strict {
		p.outstanding[seq] = struct{}{}
	}
	p.mu.Unlock()
}

// expire forgets every outstanding seq that has fallen out of the window
// ending at seq, whether or not its send succeeded. Must be called with p.mu
// held.
func (p *Probe) expire(seq uint64) {
	w := uint64(p.opts.sequenceWindow)
	if seq <= w {
		return
	}
	for s := range p.outstanding {
		if s <= seq-w {
			delete(p.outstanding, s)
		}
	}
}

// handleReply folds one datagram into the statistics. Anything that is not
// a well-formed reply is counted as dropped and otherwise ignored.
func (p *Probe) handleReply(data []byte) bool {
	var pong Pong
	if err := json.Unmarshal(data, &pong); err != nil || pong.Type != KindPong || pong.TClientMs == nil {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Debug("probe dropped datagram", "size", len(data))
		return false
	}

	nowMs := float64(p.opts.now().UnixMicro()) / 1000
	rtt := nowMs - float64(*pong.TClientMs)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.strict && !p.settle(pong.Seq) {
		p.dropped++
		p.logger.Debug("probe dropped reply", "seq", pong.Seq)
		return false
	}

	p.received++
	p.lastRTT = rtt
	p.avgRTT = smooth(p.avgRTT, rtt, p.received)
	return true
}

// settle reports whether seq is outstanding and marks it answered.
// Must be called with p.mu held.
func (p *Probe) settle(seq uint64) bool {
	if _, ok := p.outstanding[seq]; !ok {
		return false
	}
	delete(p.outstanding, seq)
	return true
}

// Stop ends the loop, waits up to the stop timeout for it to exit and closes
// the socket. The socket is closed even if the loop has not exited yet.
// Safe to call multiple times; a never-started probe is left idle.
func (p *Probe) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.stopped = true

	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(p.opts.stopTimeout):
		p.logger.Warn("probe loop did not exit in time", "timeout", p.opts.stopTimeout)
	}

	err := p.conn.Close()
	p.logger.Info("probe stopped")
	return err
}

// Running reports whether the probe loop has been started and not stopped.
func (p *Probe) Running() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.running
}

// Metrics computes the current statistics. RTTs are rounded to two decimals.
func (p *Probe) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Metrics{
		RTTMs:    round(p.lastRTT, 2),
		AvgRTTMs: round(p.avgRTT, 2),
		LossRate: LossRate(p.sent, p.received),
		Sent:     p.sent,
		Received: p.received,
		Dropped:  p.dropped,
		Seq:      p.seq,
	}
}
