package router

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/config"
	"github.com/meshdaemon/meshd/internal/connection"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/message"
	"github.com/meshdaemon/meshd/internal/wire"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	cfg := config.Default()
	cfg.ServerName = "A"
	cfg.MyAddress = "10.0.0.1:4040"
	loop := eventloop.New()
	return New(cfg, loop, nil)
}

// pipeConnection creates a connection.Connection backed by a net.Pipe,
// registers it directly in the router's connection map (bypassing the
// real reader goroutine, since tests drive messages through handleMessage
// themselves), and returns the test-side net.Conn to read what the
// router wrote to it.
func pipeConnection(r *Router, kind connection.Kind, name string) (*connection.Connection, net.Conn) {
	serverSide, testSide := net.Pipe()
	c := connection.New(kind, name, wire.NewLineConn(serverSide))
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
	return c, testSide
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func TestRegisterThenCacheDrain(t *testing.T) {
	r := testRouter(t)
	r.ourServices["images"] = struct{}{}

	cached, err := message.New("PING")
	require.NoError(t, err)
	require.NoError(t, cached.SetParam("service", "images"))
	require.NoError(t, cached.SetService("images"))
	r.handleUnicast(cached)

	r.mu.Lock()
	assert.Len(t, r.localCache["images"], 1)
	r.mu.Unlock()

	c, testSide := pipeConnection(r, connection.KindService, "client connection")
	defer testSide.Close()

	regMsg, err := message.New("REGISTER")
	require.NoError(t, err)
	require.NoError(t, regMsg.SetParam("service", "images"))
	require.NoError(t, regMsg.SetParam("version", "1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "READY", readLine(t, testSide))
		assert.True(t, strings.HasPrefix(readLine(t, testSide), "COMMANDS "))
		line := readLine(t, testSide)
		assert.True(t, strings.Contains(line, "PING"), "expected the cached PING, got %q", line)
	}()

	r.handleMessage(c.ID(), regMsg, false)
	<-done

	assert.True(t, c.Named())
	assert.Equal(t, "images", c.Name())
}

func TestStatusBroadcastSkipsConnectionsThatDidNotAdvertiseStatus(t *testing.T) {
	r := testRouter(t)
	c, testSide := pipeConnection(r, connection.KindService, "client connection")
	defer testSide.Close()
	c.SetName("svc")
	c.SetNamed(true)
	c.SetCommands("HELP,STOP,QUITTING,UNKNOWN,READY") // no STATUS

	assert.True(t, c.HasCommands())
	assert.False(t, c.UnderstandCommand("STATUS"))

	// statusBroadcast only targets connections that advertised STATUS, so
	// this call must not write anything to c.
	done := make(chan struct{})
	go func() {
		r.statusBroadcast("other-service", true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("statusBroadcast blocked, implying it tried to send to an uninterested connection")
	}
}

func TestSendToUndeclaredCommandStillSendsInReleaseMode(t *testing.T) {
	r := testRouter(t)
	c, testSide := pipeConnection(r, connection.KindService, "client connection")
	defer testSide.Close()
	c.SetName("svc")
	c.SetNamed(true)
	c.SetCommands("HELP,STOP,QUITTING,UNKNOWN,READY") // no STATUS

	status, err := message.New("STATUS")
	require.NoError(t, err)
	require.NoError(t, status.SetParam("service", "svc"))
	require.NoError(t, status.SetParam("status", "up"))

	assert.False(t, c.UnderstandCommand("STATUS"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "STATUS service=svc;status=up", readLine(t, testSide))
	}()
	r.sendTo(c, status)
	<-done
}

func TestBroadcastDedupDropsRepeat(t *testing.T) {
	r := testRouter(t)
	msg, err := message.New("FOO")
	require.NoError(t, err)
	require.NoError(t, msg.SetService("*"))
	require.NoError(t, msg.SetParam("broadcast_msgid", "A-1"))
	require.NoError(t, msg.SetParam("broadcast_timeout", itoa(int(time.Now().Add(time.Minute).Unix()))))

	assert.True(t, r.admitBroadcast("A-1", msg))
	assert.False(t, r.admitBroadcast("A-1", msg))
}

func TestHalfMeshRuleDialsSmallerAddress(t *testing.T) {
	r := testRouter(t)
	r.servicesReceived = true

	smaller, err := address.Parse("10.0.0.0:4040", 4040, "")
	require.NoError(t, err)
	larger, err := address.Parse("10.0.0.5:4040", 4040, "")
	require.NoError(t, err)

	r.considerNeighbor(smaller)
	r.considerNeighbor(larger)

	r.mu.Lock()
	_, hasPeerForSmaller := r.peerDialers[smaller.String()]
	_, hasGossipForLarger := r.gossipDlrs[larger.String()]
	r.mu.Unlock()

	assert.True(t, hasPeerForSmaller, "our address is larger than the smaller neighbor, so we dial it")
	assert.True(t, hasGossipForLarger, "our address is smaller than the larger neighbor, so we only gossip")
}

func TestUnicastDeliversToNamedLocalConnection(t *testing.T) {
	r := testRouter(t)
	local, testSide := pipeConnection(r, connection.KindService, "images")
	defer testSide.Close()
	local.SetName("images")
	local.SetNamed(true)

	msg, err := message.New("PING")
	require.NoError(t, err)
	require.NoError(t, msg.SetService("images"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, "images:PING", readLine(t, testSide))
	}()
	r.handleUnicast(msg)
	<-done
}

func TestUnicastWithOurOwnServerNameReachesLocalService(t *testing.T) {
	r := testRouter(t)
	local, testSide := pipeConnection(r, connection.KindService, "images")
	defer testSide.Close()
	local.SetName("images")
	local.SetNamed(true)
	local.SetServerName(r.cfg.ServerName) // stamped at accept time, as handleAccept does

	msg, err := message.New("PING")
	require.NoError(t, err)
	require.NoError(t, msg.SetService("images"))
	require.NoError(t, msg.SetServer(r.cfg.ServerName))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, r.cfg.ServerName+"/images:PING", readLine(t, testSide))
	}()
	r.handleUnicast(msg)
	<-done
}
