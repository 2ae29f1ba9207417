// Package dialer implements meshd's two outbound connection strategies:
// the permanent reconnecting peer dialer and the one-shot-with-retry
// gossip dialer. Both follow the shape of the dial machinery in
// network/p2p/server.go (dialTask/dialstate, exponential backoff capped
// in Server.run's dialer goroutine), generalized to use the event loop's
// timer API instead of a dedicated dialer goroutine pool, since meshd's
// event loop is itself the single place backoff timers live.
package dialer

import (
	"net"
	"sync"
	"time"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/log"
	"github.com/meshdaemon/meshd/internal/wire"
)

const (
	minBackoff       = time.Second
	maxBackoff       = time.Hour
	refusedBackoff   = 24 * time.Hour
	gossipFirstDelay = 5 * time.Second
)

var logger = log.New("dialer")

// OnConnect is called on the event loop goroutine once a TCP connection to
// addr has been established.
type OnConnect func(conn *wire.LineConn, addr address.Address)

// PeerDialer maintains a permanent outbound connection to addr, redialing
// with exponential backoff on failure. It never removes itself; it keeps
// redialing until Stop is called.
type PeerDialer struct {
	mu      sync.Mutex
	addr    address.Address
	loop    *eventloop.Loop
	onConn  OnConnect
	backoff time.Duration
	timer   eventloop.TimerID
	stopped bool
}

// NewPeerDialer creates a peer dialer for addr; call Start or StartAfter to
// begin dialing.
func NewPeerDialer(addr address.Address, loop *eventloop.Loop, onConn OnConnect) *PeerDialer {
	return &PeerDialer{addr: addr, loop: loop, onConn: onConn, backoff: minBackoff}
}

// Start attempts to connect immediately.
func (d *PeerDialer) Start() { d.attempt() }

// StartAfter delays the first attempt by delay, used to stagger the
// initial batch of dials by 1s each.
func (d *PeerDialer) StartAfter(delay time.Duration) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = d.loop.After(delay, d.attempt)
	d.mu.Unlock()
}

func (d *PeerDialer) attempt() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	addr := d.addr
	d.mu.Unlock()

	go func() {
		conn, err := net.DialTimeout("tcp", addr.String(), 10*time.Second)
		if err != nil {
			logger.WithField("addr", addr.String()).WithField("err", err).Debug("peer dial failed")
			d.loop.Post(func() { d.scheduleRetry() })
			return
		}
		line := wire.NewLineConn(conn)
		d.loop.Post(func() {
			d.mu.Lock()
			stopped := d.stopped
			d.backoff = minBackoff
			d.mu.Unlock()
			if stopped {
				line.Close()
				return
			}
			d.onConn(line, addr)
		})
	}()
}

func (d *PeerDialer) scheduleRetry() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	wait := d.backoff
	d.backoff *= 2
	if d.backoff > maxBackoff {
		d.backoff = maxBackoff
	}
	d.timer = d.loop.After(wait, d.attempt)
	d.mu.Unlock()
}

// OnRefused jumps the backoff to 24h, per a REFUSE reply meaning the
// remote is too busy to accept us right now.
func (d *PeerDialer) OnRefused() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.loop.Cancel(d.timer)
	d.backoff = refusedBackoff
	d.timer = d.loop.After(refusedBackoff, d.attempt)
	d.mu.Unlock()
}

// OnDisconnect resumes reconnecting after the remote end sent DISCONNECT;
// the dialer stays in the set and retries at its current cadence.
func (d *PeerDialer) OnDisconnect() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	wait := d.backoff
	d.mu.Unlock()
	d.loop.After(wait, d.attempt)
}

// Stop cancels any pending reconnect and marks the dialer dead.
func (d *PeerDialer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.loop.Cancel(d.timer)
}

// Addr returns the peer address this dialer targets.
func (d *PeerDialer) Addr() address.Address { return d.addr }

// GossipDialer delivers one GOSSIP message to addr, retrying on failure
// until it gets a RECEIVED reply (handled by the router, which then calls
// Stop on this dialer).
type GossipDialer struct {
	mu      sync.Mutex
	addr    address.Address
	loop    *eventloop.Loop
	onConn  OnConnect
	backoff time.Duration
	timer   eventloop.TimerID
	stopped bool
}

// NewGossipDialer creates a gossip dialer for addr; call Start to begin.
func NewGossipDialer(addr address.Address, loop *eventloop.Loop, onConn OnConnect) *GossipDialer {
	return &GossipDialer{addr: addr, loop: loop, onConn: onConn, backoff: minBackoff}
}

// Start schedules the first connection attempt after the fixed initial
// delay.
func (d *GossipDialer) Start() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = d.loop.After(gossipFirstDelay, d.attempt)
	d.mu.Unlock()
}

func (d *GossipDialer) attempt() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	addr := d.addr
	d.mu.Unlock()

	go func() {
		conn, err := net.DialTimeout("tcp", addr.String(), 10*time.Second)
		if err != nil {
			d.loop.Post(func() { d.scheduleRetry() })
			return
		}
		line := wire.NewLineConn(conn)
		d.loop.Post(func() {
			d.mu.Lock()
			stopped := d.stopped
			d.mu.Unlock()
			if stopped {
				line.Close()
				return
			}
			d.onConn(line, addr)
		})
	}()
}

func (d *GossipDialer) scheduleRetry() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	wait := d.backoff
	d.backoff *= 2
	if d.backoff > maxBackoff {
		d.backoff = maxBackoff
	}
	d.timer = d.loop.After(wait, d.attempt)
	d.mu.Unlock()
}

// Stop cancels any pending retry; called once RECEIVED arrives, or en
// masse on daemon shutdown.
func (d *GossipDialer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.loop.Cancel(d.timer)
}

// Addr returns the address this gossip dialer is announcing to.
func (d *GossipDialer) Addr() address.Address { return d.addr }
