package router

import (
	"time"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/connection"
	"github.com/meshdaemon/meshd/internal/dialer"
	"github.com/meshdaemon/meshd/internal/message"
	"github.com/meshdaemon/meshd/internal/wire"
)

// handleUnicast routes msg to a single named service: a local connection
// by that name if one exists, else every matching peer, else the
// local-cache if the service is ours but not yet registered.
func (r *Router) handleUnicast(msg *message.Message) {
	svc := msg.Service()
	server := msg.Server()

	r.mu.Lock()
	var target *connection.Connection
	var peers []*connection.Connection
	for _, c := range r.conns {
		if c.Name() == svc && (server == "" || server == "*" || server == c.ServerName()) {
			target = c
			break
		}
		if c.IsRemote() && (server == "" || server == "*" || server == c.ServerName()) {
			peers = append(peers, c)
		}
	}
	_, isOurs := r.ourServices[svc]
	r.mu.Unlock()

	if target != nil {
		r.sendTo(target, msg)
		return
	}
	if len(peers) > 0 {
		for _, p := range peers {
			r.sendTo(p, msg)
		}
		return
	}
	if isOurs {
		r.mu.Lock()
		r.localCache[svc] = append(r.localCache[svc], msg)
		r.mu.Unlock()
		return
	}
	if server == r.cfg.ServerName {
		r.logger.WithField("service", svc).Debug("no such local service; dropping")
	} else {
		r.logger.WithField("service", svc).WithField("server", server).Debug("no route for message; dropping")
	}
}

// handleBroadcast implements the bounded-broadcast algorithm: dedup by
// msgid, fan out to loopback services, private peers (if target allows
// it and hops remain), and public peers (only for "*"), then stamp the
// message's broadcast bookkeeping before forwarding.
func (r *Router) handleBroadcast(origin *connection.Connection, msg *message.Message) {
	target := msg.Service()

	if msgid, ok := msg.Param("broadcast_msgid"); ok {
		if !r.admitBroadcast(msgid, msg) {
			return
		}
	}

	hops := 0
	if h, ok := msg.Param("broadcast_hops"); ok {
		if n, err := parseVersion(h); err == nil {
			hops = n
		}
	}
	informed := map[string]struct{}{}
	for _, a := range splitCSV(msg.ParamOr("broadcast_informed_neighbors", "")) {
		informed[a] = struct{}{}
	}

	r.mu.Lock()
	var locals []*connection.Connection
	var selected []*connection.Connection
	for _, c := range r.conns {
		if origin != nil && c.ID() == origin.ID() {
			continue
		}
		if !c.IsRemote() {
			if c.Named() {
				locals = append(locals, c)
			}
			continue
		}
		addr, ok := c.Addr()
		if !ok {
			continue
		}
		if _, skip := informed[addr.String()]; skip {
			continue
		}
		if hops >= maxBroadcastHops {
			continue
		}
		class := addr.Class()
		if class == address.ClassPrivate && (target == "*" || target == "?") {
			selected = append(selected, c)
		} else if class == address.ClassPublic && target == "*" {
			selected = append(selected, c)
		}
	}
	r.mu.Unlock()

	for _, c := range locals {
		if c.HasCommands() && !c.UnderstandCommand(msg.Command()) {
			continue
		}
		r.sendTo(c, msg)
	}

	if len(selected) == 0 {
		return
	}

	if _, ok := msg.Param("broadcast_msgid"); !ok {
		must(msg.SetParam("broadcast_msgid", r.nextBroadcastMsgID()))
	}
	must(msg.SetParam("broadcast_hops", itoa(hops+1)))
	must(msg.SetParam("broadcast_originator", r.cfg.MyAddress))
	if _, ok := msg.Param("broadcast_timeout"); !ok {
		must(msg.SetParam("broadcast_timeout", itoa(int(time.Now().Add(broadcastTimeout).Unix()))))
	}
	informed[r.cfg.MyAddress] = struct{}{}
	for _, c := range selected {
		if addr, ok := c.Addr(); ok {
			informed[addr.String()] = struct{}{}
		}
	}
	must(msg.SetParam("broadcast_informed_neighbors", joinStrings(mapKeys(informed))))

	for _, c := range selected {
		r.sendTo(c, msg)
	}
}

// admitBroadcast sweeps expired dedup entries, then reports whether msgid
// should be processed (true) or dropped as a duplicate/expired (false).
func (r *Router) admitBroadcast(msgid string, msg *message.Message) bool {
	now := time.Now().Unix()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, expiry := range r.dedup {
		if expiry < now {
			delete(r.dedup, id)
		}
	}

	if timeoutStr, ok := msg.Param("broadcast_timeout"); ok {
		if n, err := parseVersion(timeoutStr); err == nil && int64(n) < now {
			return false
		}
	}
	if _, dup := r.dedup[msgid]; dup {
		return false
	}
	expiry := now + int64(broadcastTimeout.Seconds())
	if timeoutStr, ok := msg.Param("broadcast_timeout"); ok {
		if n, err := parseVersion(timeoutStr); err == nil {
			expiry = int64(n)
		}
	}
	r.dedup[msgid] = expiry
	return true
}

func mapKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// considerNeighbor applies the half-mesh connect rule to a newly learned
// address: ignore ourselves, record it in the neighbor set, and, unless a
// dialer for it already exists (or SERVICES has not arrived yet), dial it
// if it is smaller than our address, otherwise gossip to it.
func (r *Router) considerNeighbor(addr address.Address) {
	our, err := address.Parse(r.cfg.MyAddress, 4040, "")
	if err == nil && addr.Equal(our) {
		return
	}
	if r.neighbors.Contains(addr) {
		r.neighbors.Add(addr) // idempotent: already known, nothing is added or persisted
	} else {
		r.neighbors.Add(addr)
	}

	r.mu.Lock()
	_, hasPeer := r.peerDialers[addr.String()]
	_, hasGossip := r.gossipDlrs[addr.String()]
	started := r.servicesReceived
	r.mu.Unlock()
	if hasPeer || hasGossip || !started {
		// Dialers for this neighbor are created once by startPeerDialers
		// when SERVICES first arrives; until then the address is only
		// recorded in the neighbor set above.
		return
	}

	if err == nil && addr.Less(our) {
		r.addPeerDialer(addr, 0)
	} else {
		r.addGossipDialer(addr)
	}
}

func (r *Router) addPeerDialer(addr address.Address, delay time.Duration) {
	d := dialer.NewPeerDialer(addr, r.loop, r.onDialerConnected)
	r.mu.Lock()
	r.peerDialers[addr.String()] = d
	r.mu.Unlock()
	if delay > 0 {
		d.StartAfter(delay)
	} else {
		d.Start()
	}
}

func (r *Router) addGossipDialer(addr address.Address) {
	d := dialer.NewGossipDialer(addr, r.loop, r.onGossipConnected)
	r.mu.Lock()
	r.gossipDlrs[addr.String()] = d
	r.mu.Unlock()
	d.Start()
}

func (r *Router) gossipDialerFor(addr address.Address) (*dialer.GossipDialer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.gossipDlrs[addr.String()]
	return d, ok
}

// startPeerDialers creates a dialer for every known neighbor that has none
// yet, once SERVICES has been received for the first time, applying the
// half-mesh rule: a peer dialer for each address smaller than ours
// (initial starts staggered by 1s each), a gossip dialer for the rest.
func (r *Router) startPeerDialers() {
	our, err := address.Parse(r.cfg.MyAddress, 4040, "")
	all := r.neighbors.All()
	var delay time.Duration
	for _, a := range all {
		if err == nil && a.Equal(our) {
			continue
		}
		r.mu.Lock()
		_, hasPeer := r.peerDialers[a.String()]
		_, hasGossip := r.gossipDlrs[a.String()]
		r.mu.Unlock()
		if hasPeer || hasGossip {
			continue
		}
		if err == nil && a.Less(our) {
			r.addPeerDialer(a, delay)
			delay += staggerDelay
		} else {
			r.addGossipDialer(a)
		}
	}
}

func (r *Router) connectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Router) neighborsCSV() string {
	return addrsCSV(r.neighbors.All())
}

func (r *Router) heardOfServices() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{})
	for _, c := range r.conns {
		if !c.IsRemote() {
			continue
		}
		for s := range c.Services() {
			out[s] = struct{}{}
		}
		for s := range c.ServicesHeardOf() {
			out[s] = struct{}{}
		}
	}
	for s := range r.ourServices {
		delete(out, s)
	}
	return out
}

// statusBroadcast announces a service's up/down transition to every
// connection that has declared it understands STATUS.
func (r *Router) statusBroadcast(service string, up bool) {
	m := newMessage("STATUS")
	must(m.SetParam("service", service))
	now := itoa(int(time.Now().Unix()))
	if up {
		must(m.SetParam("status", "up"))
		must(m.SetParam("up_since", now))
	} else {
		must(m.SetParam("status", "down"))
		must(m.SetParam("down_since", now))
	}

	r.mu.Lock()
	var targets []*connection.Connection
	for _, c := range r.conns {
		if c.HasCommands() && c.UnderstandCommand("STATUS") {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		r.sendTo(c, m)
	}
}

func newConnectionForDial(line *wire.LineConn, addr address.Address) *connection.Connection {
	return connection.NewRemote(connection.KindPeer, "remote connection", line, addr)
}

// Shutdown requests a full cluster shutdown from outside the loop
// goroutine (e.g. a SIGINT/SIGTERM handler); it posts onto the loop rather
// than mutating router state directly.
func (r *Router) Shutdown() {
	r.loop.Post(func() { r.initiateShutdown(true) })
}

// initiateShutdown begins the STOP/SHUTDOWN sequence: any later REGISTER
// or CONNECT is answered with QUITTING, gossip dialers are canceled, and
// peers/local services are notified per the shutdown rules. full selects
// SHUTDOWN-to-peers (cluster-wide) vs DISCONNECT-to-peers (local only).
func (r *Router) initiateShutdown(full bool) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	r.shuttingDown = true
	r.fullShutdown = full
	gossipDlrs := make([]*dialer.GossipDialer, 0, len(r.gossipDlrs))
	for _, d := range r.gossipDlrs {
		gossipDlrs = append(gossipDlrs, d)
	}
	peers := make([]*connection.Connection, 0)
	locals := make([]*connection.Connection, 0)
	for _, c := range r.conns {
		if c.IsRemote() {
			peers = append(peers, c)
		} else {
			locals = append(locals, c)
		}
	}
	r.mu.Unlock()

	for _, d := range gossipDlrs {
		d.Stop()
	}

	for _, c := range peers {
		if full {
			r.sendTo(c, newMessage("SHUTDOWN"))
			r.removeConnection(c.ID())
		} else {
			r.sendTo(c, newMessage("DISCONNECT"))
		}
	}
	for _, c := range locals {
		r.sendTo(c, newMessage("STOP"))
	}

	if r.localListener != nil {
		r.localListener.Close()
	}
	if r.remoteListener != nil {
		r.remoteListener.Close()
	}
	if r.udp != nil {
		r.udp.Close()
	}

	if r.connectionCount() == 0 {
		r.finishShutdown()
	}
}

func (r *Router) finishShutdown() {
	r.loop.Stop()
	if r.onExit != nil {
		r.onExit(0)
	}
}
