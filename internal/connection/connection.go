// Package connection implements the per-peer-or-service connection record.
// Each connection kind is a tag on one shared struct rather than a class
// hierarchy, and the router owns connections by id in a map; all
// cross-references between components are ids, not pointers.
package connection

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/mclock"
	"github.com/meshdaemon/meshd/internal/wire"
)

// Kind tags which role a Connection currently plays.
type Kind int

const (
	// KindService is a local (loopback) service connection.
	KindService Kind = iota
	// KindPeer is a peer-daemon connection, inbound or outbound.
	KindPeer
	// KindGossipDialer is a one-shot-with-retry outbound gossip
	// announcement connection; it never becomes a full Peer.
	KindGossipDialer
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindPeer:
		return "peer"
	case KindGossipDialer:
		return "gossip-dialer"
	default:
		return "unknown"
	}
}

// Connection is the shared per-peer-or-service record.
type Connection struct {
	mu sync.Mutex

	id   string
	kind Kind

	name       string // service name, or "remote connection"/"client connection" pre-REGISTER
	serverName string // the server this connection is known under: ours, for local connections; theirs, for peers
	remote     bool

	types []string // canonical declared types; empty iff not handshaken

	services        map[string]struct{}
	servicesHeardOf map[string]struct{}
	commands        map[string]struct{}
	hasCommands     bool

	startedAt int64
	endedAt   int64

	addr    address.Address
	hasAddr bool

	named bool

	line *wire.LineConn
}

// New creates a connection record not marked remote (used by the local
// listener for freshly accepted service sockets).
func New(kind Kind, name string, line *wire.LineConn) *Connection {
	return &Connection{
		id:              uuid.NewString(),
		kind:            kind,
		name:            name,
		services:        make(map[string]struct{}),
		servicesHeardOf: make(map[string]struct{}),
		commands:        make(map[string]struct{}),
		startedAt:       mclock.Unset,
		endedAt:         mclock.Unset,
		line:            line,
	}
}

// NewRemote creates a connection record marked remote, with a known peer
// address (remote listener accepts, peer dialers, gossip dialers).
func NewRemote(kind Kind, name string, line *wire.LineConn, addr address.Address) *Connection {
	c := New(kind, name, line)
	c.remote = true
	c.addr = addr
	c.hasAddr = true
	return c
}

// ID returns the connection's stable identifier, used by the router as the
// map key instead of a shared pointer/shared_from_this.
func (c *Connection) ID() string { return c.id }

// Kind returns which role this connection currently plays.
func (c *Connection) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// SetKind promotes a gossip dialer's record if ever reused, or demotes/
// retags a connection across reconnects. Peer dialers construct a fresh
// Connection per attempt instead of mutating kind in place.
func (c *Connection) SetKind(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = k
}

// Line returns the framed socket, or nil if this record has no live
// transport yet (e.g. a backing-off dialer).
func (c *Connection) Line() *wire.LineConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line
}

// SetLine attaches or replaces the live transport.
func (c *Connection) SetLine(line *wire.LineConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line = line
}

// Name returns the connection's display name: the service name once
// REGISTERed, or the pre-registration placeholder otherwise.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName renames the connection (REGISTER sets it to the service name;
// UNREGISTER clears it back to "").
func (c *Connection) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// ServerName returns the server this connection is known under: our own
// server name for local service connections (stamped at accept time, the
// way the original stamps connection->set_server_name(f_server_name) for
// every local accept), or the peer's declared server_name for peer
// connections (stamped on CONNECT/ACCEPT).
func (c *Connection) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// SetServerName stamps the server this connection is known under.
func (c *Connection) SetServerName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverName = name
}

// IsRemote reports whether this is a non-loopback peer connection.
func (c *Connection) IsRemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// MarkAsRemote flags the connection as a peer connection, set at
// construction by the remote listener and by peer/gossip dialers.
func (c *Connection) MarkAsRemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = true
}

// Addr returns the connection's known remote address, if any.
func (c *Connection) Addr() (address.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr, c.hasAddr
}

// SetAddr records the connection's remote address.
func (c *Connection) SetAddr(a address.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = a
	c.hasAddr = true
}

// SetConnectionTypes records the declared server types. An empty string
// marks the connection as not (yet) handshaken: a named connection always
// has a non-empty types list.
func (c *Connection) SetConnectionTypes(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw == "" {
		c.types = nil
		return
	}
	c.types = splitNonEmpty(raw)
}

// Types returns the declared server types.
func (c *Connection) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.types))
	copy(out, c.types)
	return out
}

// IsHandshaken reports whether types is non-empty.
func (c *Connection) IsHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.types) > 0
}

// SetServices merges a comma-separated list into the offered-services set.
func (c *Connection) SetServices(csv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mergeInto(c.services, csv)
}

// Services returns the offered-services set.
func (c *Connection) Services() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySet(c.services)
}

// SetServicesHeardOf merges a comma-separated list into the heard-of set.
func (c *Connection) SetServicesHeardOf(csv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mergeInto(c.servicesHeardOf, csv)
}

// ServicesHeardOf returns the heard-of-services set.
func (c *Connection) ServicesHeardOf() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySet(c.servicesHeardOf)
}

// SetCommands merges a comma-separated COMMANDS reply into the
// understood-commands set.
func (c *Connection) SetCommands(csv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mergeInto(c.commands, csv)
	c.hasCommands = true
}

// HasCommands reports whether a COMMANDS reply was ever received; when
// false the router must skip the UnderstandCommand check.
func (c *Connection) HasCommands() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCommands
}

// UnderstandCommand reports whether COMMANDS declared support for name.
func (c *Connection) UnderstandCommand(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.commands[name]
	return ok
}

// ConnectionStarted stamps the started-at timestamp, once.
func (c *Connection) ConnectionStarted(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt == mclock.Unset {
		c.startedAt = now
	}
}

// ConnectionEnded stamps the ended-at timestamp, once, and only if started
// was already set.
func (c *Connection) ConnectionEnded(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt != mclock.Unset && c.endedAt == mclock.Unset {
		c.endedAt = now
	}
}

// StartedAt returns the started-at timestamp, or mclock.Unset.
func (c *Connection) StartedAt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// EndedAt returns the ended-at timestamp, or mclock.Unset.
func (c *Connection) EndedAt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// SetNamed marks the connection as having completed a valid REGISTER.
func (c *Connection) SetNamed(named bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.named = named
}

// Named reports whether REGISTER has completed for this connection.
func (c *Connection) Named() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.named
}

func splitNonEmpty(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mergeInto(set map[string]struct{}, csv string) {
	for _, p := range splitNonEmpty(csv) {
		set[p] = struct{}{}
	}
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}
