package router

import (
	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/config"
	"github.com/meshdaemon/meshd/internal/connection"
	logpkg "github.com/meshdaemon/meshd/internal/log"
	"github.com/meshdaemon/meshd/internal/mclock"
	"github.com/meshdaemon/meshd/internal/message"
	"github.com/meshdaemon/meshd/internal/wire"
)

// handleMessage is the single entry point for every inbound message,
// whether it arrived over a connection's reader goroutine or as a UDP
// datagram. connID is "" for UDP arrivals.
func (r *Router) handleMessage(connID string, msg *message.Message, udp bool) {
	var c *connection.Connection
	if !udp {
		var ok bool
		c, ok = r.connByID(connID)
		if !ok {
			return
		}
	}

	if !udp && c.Named() {
		msg.SetSentFromServer(r.cfg.ServerName)
		msg.SetSentFromService(c.Name())
	}

	svc := msg.Service()
	switch {
	case svc == "" || svc == "snapcommunicator":
		r.handleDaemonCommand(c, msg, udp)
	case svc == "*" || svc == "?" || svc == ".":
		r.handleBroadcast(c, msg)
	default:
		r.handleUnicast(msg)
	}
}

func (r *Router) handleDaemonCommand(c *connection.Connection, msg *message.Message, udp bool) {
	cmd := msg.Command()
	if udp {
		switch cmd {
		case "STOP":
			r.handleStop(msg)
		case "SHUTDOWN":
			r.handleShutdown(msg)
		}
		return
	}

	switch cmd {
	case "REGISTER":
		r.handleRegister(c, msg)
	case "UNREGISTER":
		r.handleUnregister(c, msg)
	case "CONNECT":
		r.handleConnect(c, msg)
	case "ACCEPT":
		r.handleAcceptCmd(c, msg)
	case "DISCONNECT":
		r.handleDisconnect(c, msg)
	case "GOSSIP":
		r.handleGossip(c, msg)
	case "HELP":
		r.handleHelp(c)
	case "COMMANDS":
		r.handleCommands(c, msg)
	case "SERVICES":
		r.handleServices(c, msg)
	case "LOG":
		r.logger.Info("log reload requested")
	case "QUITTING":
		r.logger.WithField("from", c.ID()).Info("peer reported quitting")
	case "REFUSE":
		r.handleRefuse(c)
	case "RECEIVED":
		if addr, ok := c.Addr(); ok {
			if gd, ok := r.gossipDialerFor(addr); ok {
				gd.Stop()
				r.mu.Lock()
				delete(r.gossipDlrs, addr.String())
				r.mu.Unlock()
			}
		}
		r.removeConnection(c.ID())
	case "SHUTDOWN":
		r.handleShutdown(msg)
	case "STOP":
		r.handleStop(msg)
	case "UNKNOWN":
		r.logger.WithField("command", msg.ParamOr("command", "")).Error("peer reported UNKNOWN")
	default:
		reply := newMessage("UNKNOWN")
		must(reply.SetParam("command", cmd))
		r.sendTo(c, reply)
	}
}

func (r *Router) handleRegister(c *connection.Connection, msg *message.Message) {
	if r.shuttingDown {
		r.sendTo(c, newMessage("QUITTING"))
		r.removeConnection(c.ID())
		return
	}
	svc := msg.ParamOr("service", "")
	version, ok := parseVersion(msg.ParamOr("version", ""))
	if svc == "" || !ok || version != 1 {
		reply := newMessage("UNKNOWN")
		must(reply.SetParam("command", "REGISTER"))
		r.sendTo(c, reply)
		return
	}

	c.SetName(svc)
	c.SetConnectionTypes("client")
	c.SetNamed(true)
	c.ConnectionStarted(mclock.NowMicro())

	r.mu.Lock()
	r.ourServices[svc] = struct{}{}
	r.mu.Unlock()

	r.sendTo(c, newMessage("READY"))
	r.handleHelp(c)

	newsvc := newMessage("NEWSERVICE")
	must(newsvc.SetService("."))
	must(newsvc.SetParam("server", r.cfg.ServerName))
	must(newsvc.SetParam("service", svc))
	r.handleBroadcast(c, newsvc)

	r.drainCache(c, svc)
	r.statusBroadcast(svc, true)
}

func (r *Router) drainCache(c *connection.Connection, svc string) {
	r.mu.Lock()
	pending := r.localCache[svc]
	delete(r.localCache, svc)
	r.mu.Unlock()
	for _, m := range pending {
		r.sendTo(c, m)
	}
}

func (r *Router) handleUnregister(c *connection.Connection, msg *message.Message) {
	svc := msg.ParamOr("service", c.Name())
	if svc == "" {
		return
	}
	c.SetConnectionTypes("")
	c.ConnectionEnded(mclock.NowMicro())
	r.statusBroadcast(svc, false)
	c.SetName("")
	c.SetNamed(false)

	r.mu.Lock()
	delete(r.ourServices, svc)
	isSupervisor := svc == "supervisor"
	r.mu.Unlock()

	r.removeConnection(c.ID())
	if isSupervisor {
		r.initiateShutdown(false)
	}
}

func (r *Router) handleConnect(c *connection.Connection, msg *message.Message) {
	types := msg.ParamOr("types", "")
	version, vok := parseVersion(msg.ParamOr("version", ""))
	myAddr := msg.ParamOr("my_address", "")
	serverName := msg.ParamOr("server_name", "")
	if types == "" || !vok || version != 1 || myAddr == "" || serverName == "" {
		reply := newMessage("UNKNOWN")
		must(reply.SetParam("command", "CONNECT"))
		r.sendTo(c, reply)
		return
	}

	c.SetConnectionTypes(types)
	c.SetName(serverName)
	c.SetServerName(serverName)
	c.SetServices(msg.ParamOr("services", ""))
	c.SetServicesHeardOf(msg.ParamOr("heard_of", ""))
	for _, n := range splitCSV(msg.ParamOr("neighbors", "")) {
		if a, err := address.Parse(n, 4040, ""); err == nil {
			r.considerNeighbor(a)
		}
	}

	if r.shuttingDown {
		reply := newMessage("QUITTING")
		r.sendTo(c, reply)
		r.removeConnection(c.ID())
		return
	}

	if r.connectionCount() >= r.cfg.MaxConnections {
		refuse := newMessage("REFUSE")
		must(refuse.SetParam("types", types))
		must(refuse.SetParam("neighbors", r.neighborsCSV()))
		r.sendTo(c, refuse)
		return
	}

	c.ConnectionStarted(mclock.NowMicro())
	r.mu.Lock()
	ourServices := make(map[string]struct{}, len(r.ourServices))
	for s := range r.ourServices {
		ourServices[s] = struct{}{}
	}
	r.mu.Unlock()
	accept := newMessage("ACCEPT")
	must(accept.SetParam("server_name", r.cfg.ServerName))
	must(accept.SetParam("types", joinServerTypes(r.cfg.ServerTypes)))
	must(accept.SetParam("services", csvOf(ourServices)))
	must(accept.SetParam("heard_of", csvOf(r.heardOfServices())))
	must(accept.SetParam("neighbors", r.neighborsCSV()))
	r.sendTo(c, accept)
	r.handleHelp(c)

	if addr, ok := c.Addr(); ok {
		r.neighbors.Add(addr)
		if gd, ok := r.gossipDialerFor(addr); ok {
			gd.Stop()
			r.mu.Lock()
			delete(r.gossipDlrs, addr.String())
			r.mu.Unlock()
		}
	}
	r.statusBroadcast(serverName, true)
}

func (r *Router) handleAcceptCmd(c *connection.Connection, msg *message.Message) {
	types := msg.ParamOr("types", "")
	serverName := msg.ParamOr("server_name", "")
	if types == "" || serverName == "" {
		return
	}
	c.SetConnectionTypes(types)
	c.SetName(serverName)
	c.SetServerName(serverName)
	c.ConnectionStarted(mclock.NowMicro())
	c.SetServices(msg.ParamOr("services", ""))
	c.SetServicesHeardOf(msg.ParamOr("heard_of", ""))
	for _, n := range splitCSV(msg.ParamOr("neighbors", "")) {
		if a, err := address.Parse(n, 4040, ""); err == nil {
			r.considerNeighbor(a)
		}
	}
	r.handleHelp(c)
}

func (r *Router) handleDisconnect(c *connection.Connection, msg *message.Message) {
	c.ConnectionEnded(mclock.NowMicro())
	name := c.Name()
	if addr, ok := c.Addr(); ok {
		if pd, ok := r.peerDialer(addr); ok {
			pd.OnDisconnect()
			r.removeConnection(c.ID())
			r.broadcastDisconnected(name)
			return
		}
	}
	r.removeConnection(c.ID())
	r.broadcastDisconnected(name)
}

func (r *Router) broadcastDisconnected(serverName string) {
	if serverName == "" {
		return
	}
	m := newMessage("DISCONNECTED")
	must(m.SetService("."))
	must(m.SetParam("server_name", serverName))
	r.handleBroadcast(nil, m)
}

func (r *Router) handleGossip(c *connection.Connection, msg *message.Message) {
	raw := msg.ParamOr("my_address", "")
	if raw == "" {
		return
	}
	addr, err := address.Parse(raw, 4040, "")
	if err != nil {
		return
	}
	r.neighbors.Add(addr)
	r.considerNeighbor(addr)
	if c != nil {
		r.sendTo(c, newMessage("RECEIVED"))
	}
}

func (r *Router) handleHelp(c *connection.Connection) {
	reply := newMessage("COMMANDS")
	must(reply.SetParam("list", joinStrings(implementedCommands)))
	r.sendTo(c, reply)
}

func (r *Router) handleCommands(c *connection.Connection, msg *message.Message) {
	c.SetCommands(msg.ParamOr("list", ""))
	if !logpkg.Debug {
		return
	}
	required := []string{"HELP", "QUITTING", "STOP", "UNKNOWN"}
	if c.IsRemote() {
		required = append(required, "ACCEPT")
	} else {
		required = append(required, "READY")
	}
	for _, want := range required {
		if !c.UnderstandCommand(want) {
			r.logger.WithField("id", c.ID()).WithField("missing", want).Warn("COMMANDS reply does not declare a required command")
		}
	}
}

func (r *Router) handleServices(c *connection.Connection, msg *message.Message) {
	for _, s := range splitCSV(msg.ParamOr("list", "")) {
		r.mu.Lock()
		r.ourServices[s] = struct{}{}
		r.mu.Unlock()
	}
	r.mu.Lock()
	already := r.servicesReceived
	r.servicesReceived = true
	r.mu.Unlock()
	if !already {
		r.startPeerDialers()
	}
}

func (r *Router) handleRefuse(c *connection.Connection) {
	if addr, ok := c.Addr(); ok {
		if pd, ok := r.peerDialer(addr); ok {
			pd.OnRefused()
		}
	}
	r.removeConnection(c.ID())
}

func (r *Router) handleShutdown(msg *message.Message) {
	r.initiateShutdown(true)
}

func (r *Router) handleStop(msg *message.Message) {
	r.initiateShutdown(false)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 4)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinStrings(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func joinServerTypes(types []config.ServerType) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ","
		}
		out += string(t)
	}
	return out
}

// onDialerConnected is the OnConnect callback handed to peer dialers: it
// performs the active side of the handshake: send CONNECT, then this
// daemon's own COMMANDS list. No HELP is sent; the peer's COMMANDS list
// arrives unprompted after its ACCEPT.
func (r *Router) onDialerConnected(line *wire.LineConn, addr address.Address) {
	c := newConnectionForDial(line, addr)
	r.addConnection(c)

	connect := newMessage("CONNECT")
	must(connect.SetParam("version", "1"))
	must(connect.SetParam("types", joinServerTypes(r.cfg.ServerTypes)))
	must(connect.SetParam("my_address", r.cfg.MyAddress))
	must(connect.SetParam("server_name", r.cfg.ServerName))
	if explicit := r.neighbors.Explicit(); len(explicit) > 0 {
		must(connect.SetParam("neighbors", addrsCSV(explicit)))
	}
	r.mu.Lock()
	ourServices := make(map[string]struct{}, len(r.ourServices))
	for s := range r.ourServices {
		ourServices[s] = struct{}{}
	}
	r.mu.Unlock()
	if len(ourServices) > 0 {
		must(connect.SetParam("services", csvOf(ourServices)))
	}
	if hoard := r.heardOfServices(); len(hoard) > 0 {
		must(connect.SetParam("heard_of", csvOf(hoard)))
	}
	r.sendTo(c, connect)
	r.handleHelp(c)
}

// onGossipConnected is the OnConnect callback handed to gossip dialers.
func (r *Router) onGossipConnected(line *wire.LineConn, addr address.Address) {
	c := newConnectionForDial(line, addr)
	r.addConnection(c)
	gossip := newMessage("GOSSIP")
	must(gossip.SetParam("my_address", r.cfg.MyAddress))
	r.sendTo(c, gossip)
}

func addrsCSV(addrs []address.Address) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ","
		}
		out += a.String()
	}
	return out
}
