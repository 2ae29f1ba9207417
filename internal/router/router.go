// Package router is the daemon's protocol state machine: it owns every
// connection, the neighbor set, the local-cache, and the broadcast-dedup
// table, and implements arrival classification, unicast routing, bounded
// broadcast, the half-mesh connect rule, and the shutdown sequence.
// It follows the shape of the Server type in network/p2p/server.go, which
// plays the same owning-everything role for peers; Router generalizes it
// to also own local service connections and the message semantics a p2p
// layer normally leaves to its caller.
package router

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/config"
	"github.com/meshdaemon/meshd/internal/connection"
	"github.com/meshdaemon/meshd/internal/dialer"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/listener"
	"github.com/meshdaemon/meshd/internal/log"
	"github.com/meshdaemon/meshd/internal/mclock"
	"github.com/meshdaemon/meshd/internal/message"
	"github.com/meshdaemon/meshd/internal/neighbor"
	"github.com/meshdaemon/meshd/internal/wire"
)

// implementedCommands is the list returned in every HELP reply.
var implementedCommands = []string{
	"REGISTER", "UNREGISTER", "CONNECT", "ACCEPT", "DISCONNECT", "GOSSIP",
	"HELP", "COMMANDS", "SERVICES", "LOG", "QUITTING", "REFUSE", "SHUTDOWN",
	"STOP", "UNKNOWN", "STATUS", "NEWSERVICE", "DISCONNECTED", "READY",
	"RECEIVED",
}

const (
	broadcastTimeout = 10 * time.Second
	maxBroadcastHops = 5
	staggerDelay     = time.Second
)

// Router owns the whole daemon's runtime state. All mutation happens on
// the event loop goroutine; reader/dialer goroutines only ever post
// callbacks into it.
type Router struct {
	cfg    *config.Config
	loop   *eventloop.Loop
	logger *logrus.Entry

	mu          sync.Mutex // guards conns/localCache/dedup/dialers for accessors used by tests off-loop
	conns       map[string]*connection.Connection
	localCache  map[string][]*message.Message
	dedup       map[string]int64
	seq         uint64
	peerDialers map[string]*dialer.PeerDialer
	gossipDlrs  map[string]*dialer.GossipDialer

	localListener  *listener.Local
	remoteListener *listener.Remote
	udp            *listener.UDP

	neighbors *neighbor.Set

	ourServices map[string]struct{}

	servicesReceived bool
	shuttingDown     bool
	fullShutdown     bool

	onExit func(code int)
}

// New creates a router bound to cfg, not yet listening.
func New(cfg *config.Config, loop *eventloop.Loop, onExit func(code int)) *Router {
	return &Router{
		cfg:         cfg,
		loop:        loop,
		logger:      log.New("router"),
		conns:       make(map[string]*connection.Connection),
		localCache:  make(map[string][]*message.Message),
		dedup:       make(map[string]int64),
		peerDialers: make(map[string]*dialer.PeerDialer),
		gossipDlrs:  make(map[string]*dialer.GossipDialer),
		neighbors:   neighbor.New(cfg.NeighborsFilePath()),
		ourServices: make(map[string]struct{}),
		onExit:      onExit,
	}
}

// ErrMyAddressNotLocal is returned by Start when the configured my_address
// does not resolve to any address of a local network interface.
var ErrMyAddressNotLocal = fmt.Errorf("my_address does not resolve to a local interface")

// Start loads the persisted neighbor set, seeds explicit neighbors from
// configuration, and binds the local, remote, and UDP sockets. Peer
// dialers are not started here: they wait until SERVICES first arrives.
func (r *Router) Start() error {
	if err := r.verifyMyAddressIsLocal(); err != nil {
		return err
	}

	if err := r.neighbors.LoadFile(); err != nil {
		return err
	}

	explicit := make([]address.Address, 0, len(r.cfg.Neighbors))
	for _, raw := range r.cfg.Neighbors {
		a, err := address.Parse(raw, 4040, "")
		if err != nil {
			r.logger.WithField("addr", raw).WithField("err", err).Warn("skipping invalid configured neighbor")
			continue
		}
		explicit = append(explicit, a)
	}
	r.neighbors.AddExplicit(explicit)

	ln, err := listener.ListenLocal(r.cfg.LocalListen, r.loop, r.handleAccept(connection.KindService, false))
	if err != nil {
		return err
	}
	r.localListener = ln

	rl, err := listener.ListenRemote(r.cfg.Listen, r.loop, r.handleAccept(connection.KindPeer, true))
	if err != nil {
		return err
	}
	r.remoteListener = rl

	udp, err := listener.ListenUDP(r.cfg.Signal, r.loop, r.handleDatagram)
	if err != nil {
		return err
	}
	r.udp = udp

	return nil
}

// verifyMyAddressIsLocal checks that cfg.MyAddress names an address carried
// by some local network interface. A loopback my_address is accepted as
// is; an unparseable value is reported as ErrMyAddressNotLocal as well.
func (r *Router) verifyMyAddressIsLocal() error {
	want, err := address.Parse(r.cfg.MyAddress, 4040, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMyAddressNotLocal, err)
	}
	if want.Class() == address.ClassLoopback {
		return nil
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return err
	}
	for _, ia := range ifaceAddrs {
		ipnet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.Equal(want.IP()) {
			return nil
		}
	}
	return ErrMyAddressNotLocal
}

func (r *Router) handleAccept(kind connection.Kind, remote bool) listener.OnAccept {
	return func(line *wire.LineConn, addr address.Address) {
		name := "client connection"
		if remote {
			name = "remote connection"
		}
		var c *connection.Connection
		if remote {
			c = connection.NewRemote(kind, name, line, addr)
		} else {
			c = connection.New(kind, name, line)
			// Every local accept is stamped with our own server name, the
			// way the original stamps connection->set_server_name(f_server_name)
			// for every local client connection; a peer's server name is
			// only known once CONNECT/ACCEPT declares it.
			c.SetServerName(r.cfg.ServerName)
		}
		r.addConnection(c)
		r.logger.WithField("id", c.ID()).WithField("remote", remote).Info("accepted connection")
	}
}

func (r *Router) addConnection(c *connection.Connection) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
	r.startReader(c)
}

// startReader spawns the per-connection blocking reader goroutine that
// feeds decoded messages back onto the loop.
func (r *Router) startReader(c *connection.Connection) {
	go func() {
		for {
			line := c.Line()
			if line == nil {
				return
			}
			raw, err := line.ReadLine()
			if err != nil {
				r.loop.Post(func() { r.handleHangup(c.ID()) })
				return
			}
			if len(raw) == 0 {
				continue
			}
			msg, perr := message.Parse(raw)
			if perr != nil {
				r.logger.WithField("err", perr).WithField("line", string(raw)).Warn("dropping invalid message")
				continue
			}
			r.loop.Post(func() { r.handleMessage(c.ID(), msg, false) })
		}
	}()
}

func (r *Router) handleDatagram(payload []byte, from net.Addr) {
	msg, err := message.Parse(payload)
	if err != nil {
		r.logger.WithField("err", err).Warn("dropping invalid udp datagram")
		return
	}
	switch msg.Command() {
	case "STOP", "SHUTDOWN":
		r.handleMessage("", msg, true)
	default:
		r.logger.WithField("command", msg.Command()).Warn("dropping disallowed udp command")
	}
}

func (r *Router) connByID(id string) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// handleHangup processes a transport failure / clean hangup for conn id.
func (r *Router) handleHangup(id string) {
	c, ok := r.connByID(id)
	if !ok {
		return
	}
	c.ConnectionEnded(mclock.NowMicro())
	if c.IsRemote() && c.Named() {
		r.broadcastDisconnected(c.Name())
	}
	if c.Kind() == connection.KindPeer && c.IsRemote() {
		if addr, ok := c.Addr(); ok {
			if pd, ok := r.peerDialer(addr); ok {
				pd.OnDisconnect()
				r.removeConnection(id)
				return
			}
		}
	}
	r.removeConnection(id)
}

func (r *Router) peerDialer(addr address.Address) (*dialer.PeerDialer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.peerDialers[addr.String()]
	return d, ok
}

func (r *Router) removeConnection(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	remaining := len(r.conns)
	r.mu.Unlock()
	if ok && c.Line() != nil {
		c.Line().Close()
	}
	if r.shuttingDown && remaining == 0 {
		r.finishShutdown()
	}
}

// sendTo writes msg to c, honoring the debug-only capability check: if c
// has ever sent COMMANDS and does not understand msg's command, the send
// proceeds with a logged warning (release mode) or the process aborts
// (debug mode).
func (r *Router) sendTo(c *connection.Connection, msg *message.Message) {
	if c.HasCommands() && !c.UnderstandCommand(msg.Command()) {
		if log.Debug {
			panic(fmt.Sprintf("capability violation: connection %s never advertised %s", c.ID(), msg.Command()))
		}
		r.logger.WithField("id", c.ID()).WithField("command", msg.Command()).Warn("sending command connection did not advertise")
	}
	payload, err := msg.Serialize()
	if err != nil {
		r.logger.WithField("err", err).Error("failed to serialize outgoing message")
		return
	}
	line := c.Line()
	if line == nil {
		return
	}
	if err := line.WriteLine(payload); err != nil {
		r.logger.WithField("id", c.ID()).WithField("err", err).Warn("write failed")
	}
}

func newMessage(command string) *message.Message {
	m, err := message.New(command)
	if err != nil {
		panic(err) // command is always a constant literal from this package
	}
	return m
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// nextBroadcastMsgID returns a fresh "<server_name>-<seq>" broadcast id.
func (r *Router) nextBroadcastMsgID() string {
	r.seq++
	return fmt.Sprintf("%s-%d", r.cfg.ServerName, r.seq)
}

func csvOf(set map[string]struct{}) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func parseVersion(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
