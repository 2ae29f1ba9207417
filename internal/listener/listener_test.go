package listener

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

func TestListenLocalAcceptsLoopbackConnection(t *testing.T) {
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	accepted := make(chan address.Address, 1)
	ln, err := ListenLocal("127.0.0.1:0", loop, func(conn *wire.LineConn, a address.Address) {
		accepted <- a
	})
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("local listener never accepted the connection")
	}
}

func TestListenRemoteRefusesLoopbackBind(t *testing.T) {
	loop := eventloop.New()
	_, err := ListenRemote("127.0.0.1:0", loop, func(*wire.LineConn, address.Address) {})
	assert.ErrorIs(t, err, ErrRemoteListenerLoopback)
}

func TestListenUDPDeliversDatagram(t *testing.T) {
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()

	received := make(chan []byte, 1)
	u, err := ListenUDP("127.0.0.1:0", loop, func(payload []byte, from net.Addr) {
		received <- payload
	})
	require.NoError(t, err)
	defer u.Close()

	conn, err := net.Dial("udp", u.conn.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("STOP"))
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, "STOP", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("udp listener never delivered the datagram")
	}
}
