package dialer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/wire"
)

func listenLoopback(t *testing.T) (net.Listener, address.Address) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a, err := address.Parse(ln.Addr().String(), 0, "")
	require.NoError(t, err)
	return ln, a
}

func noopOnConnect(*wire.LineConn, address.Address) {}

func TestPeerDialerConnectsOnSuccess(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	connected := make(chan address.Address, 1)
	d := NewPeerDialer(addr, loop, func(conn *wire.LineConn, a address.Address) {
		connected <- a
	})
	d.Start()

	select {
	case got := <-connected:
		assert.Equal(t, addr, got)
	case <-time.After(2 * time.Second):
		t.Fatal("peer dialer never connected")
	}
}

func TestPeerDialerOnRefusedSetsLongBackoff(t *testing.T) {
	_, addr := listenLoopback(t)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	d := NewPeerDialer(addr, loop, noopOnConnect)
	d.mu.Lock()
	before := d.backoff
	d.mu.Unlock()
	assert.Equal(t, minBackoff, before)

	loop.Post(d.OnRefused)
	time.Sleep(20 * time.Millisecond)

	d.mu.Lock()
	after := d.backoff
	d.mu.Unlock()
	assert.Equal(t, refusedBackoff, after)
}

func TestPeerDialerStopPreventsFurtherAttempts(t *testing.T) {
	_, addr := listenLoopback(t)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	d := NewPeerDialer(addr, loop, noopOnConnect)
	d.Stop()
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	assert.True(t, stopped)

	// A retry scheduled after Stop must not clear the stopped flag.
	d.scheduleRetry()
	d.mu.Lock()
	stillStopped := d.stopped
	d.mu.Unlock()
	assert.True(t, stillStopped)
}

func TestGossipDialerAddr(t *testing.T) {
	_, addr := listenLoopback(t)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	d := NewGossipDialer(addr, loop, noopOnConnect)
	assert.Equal(t, addr, d.Addr())
}
