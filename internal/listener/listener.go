// Package listener implements the local and remote TCP listeners and the
// UDP ingress socket. Each follows the same shape as network/p2p/server.go's
// listenLoop: a dedicated goroutine blocks in Accept (or ReadFromUDP) and
// hands each accepted connection (or datagram) back to the single-threaded
// dispatcher via a posted callback, rather than registering the listener's
// file descriptor directly with the event loop — the same translation
// internal/eventloop documents for readers.
package listener

import (
	"errors"
	"net"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/log"
	"github.com/meshdaemon/meshd/internal/wire"
)

var (
	ErrRemoteListenerLoopback = errors.New("listener: remote listener address must not be loopback")
)

var logger = log.New("listener")

// OnAccept is called on the event loop goroutine for each newly accepted
// connection.
type OnAccept func(conn *wire.LineConn, remote address.Address)

// Local accepts loopback connections and hands each to OnAccept as a
// service connection.
type Local struct {
	ln     net.Listener
	loop   *eventloop.Loop
	onAcc  OnAccept
	closed chan struct{}
}

// ListenLocal binds bindAddr (expected loopback) for local service
// connections.
func ListenLocal(bindAddr string, loop *eventloop.Loop, onAcc OnAccept) (*Local, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	l := &Local{ln: ln, loop: loop, onAcc: onAcc, closed: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *Local) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			logger.WithField("err", err).Warn("local listener accept failed")
			return
		}
		remote, perr := address.Parse(conn.RemoteAddr().String(), 0, "")
		if perr == nil && remote.Class() != address.ClassLoopback {
			logger.WithField("addr", remote.String()).Warn("local listener accepted a non-loopback peer")
		}
		line := wire.NewLineConn(conn)
		l.loop.Post(func() { l.onAcc(line, remote) })
	}
}

// Close stops accepting new connections.
func (l *Local) Close() error {
	close(l.closed)
	return l.ln.Close()
}

// Remote accepts non-loopback connections and hands each to OnAccept as a
// peer connection. It refuses to bind a loopback address.
type Remote struct {
	ln     net.Listener
	loop   *eventloop.Loop
	onAcc  OnAccept
	closed chan struct{}
}

// ListenRemote binds bindAddr (the advertised address) for peer
// connections.
func ListenRemote(bindAddr string, loop *eventloop.Loop, onAcc OnAccept) (*Remote, error) {
	parsed, err := address.Parse(bindAddr, 0, "")
	if err == nil && parsed.Class() == address.ClassLoopback {
		logger.WithField("addr", bindAddr).Warn("remote listener address is loopback; no peer connections will be possible")
		return nil, ErrRemoteListenerLoopback
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	r := &Remote{ln: ln, loop: loop, onAcc: onAcc, closed: make(chan struct{})}
	go r.acceptLoop()
	return r, nil
}

func (r *Remote) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			logger.WithField("err", err).Warn("remote listener accept failed")
			return
		}
		remote, perr := address.Parse(conn.RemoteAddr().String(), 0, "")
		if perr != nil {
			conn.Close()
			continue
		}
		line := wire.NewLineConn(conn)
		r.loop.Post(func() { r.onAcc(line, remote) })
	}
}

// Close stops accepting new connections.
func (r *Remote) Close() error {
	close(r.closed)
	return r.ln.Close()
}

const udpDatagramMax = 1024

// OnDatagram is called on the event loop goroutine for each received UDP
// datagram, already trimmed to its actual length.
type OnDatagram func(payload []byte, from net.Addr)

// UDP is the loopback-only ingress socket for one-shot commands like STOP
// and SHUTDOWN.
type UDP struct {
	conn   *net.UDPConn
	loop   *eventloop.Loop
	onMsg  OnDatagram
	closed chan struct{}
}

// ListenUDP binds bindAddr (expected loopback) for UDP ingress.
func ListenUDP(bindAddr string, loop *eventloop.Loop, onMsg OnDatagram) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	u := &UDP{conn: conn, loop: loop, onMsg: onMsg, closed: make(chan struct{})}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, udpDatagramMax)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
			}
			logger.WithField("err", err).Warn("udp read failed")
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		u.loop.Post(func() { u.onMsg(payload, from) })
	}
}

// Close stops reading new datagrams.
func (u *UDP) Close() error {
	close(u.closed)
	return u.conn.Close()
}
