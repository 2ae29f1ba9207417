package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshdaemon/meshd/internal/mclock"
)

func TestNotHandshakenUntilTypesSet(t *testing.T) {
	c := New(KindService, "client connection", nil)
	assert.False(t, c.IsHandshaken())
	c.SetConnectionTypes("client")
	assert.True(t, c.IsHandshaken())
	c.SetConnectionTypes("")
	assert.False(t, c.IsHandshaken())
}

func TestNamedImpliesHandshaken(t *testing.T) {
	c := New(KindService, "client connection", nil)
	c.SetConnectionTypes("client")
	c.SetNamed(true)
	assert.True(t, c.Named())
	assert.True(t, c.IsHandshaken())
}

func TestEndedOnlySetOnceAndOnlyAfterStarted(t *testing.T) {
	c := New(KindService, "x", nil)
	c.ConnectionEnded(100) // no-op: never started
	assert.Equal(t, mclock.Unset, c.EndedAt())

	c.ConnectionStarted(10)
	c.ConnectionEnded(20)
	c.ConnectionEnded(30) // second call is a no-op
	assert.Equal(t, int64(20), c.EndedAt())
	assert.Equal(t, int64(10), c.StartedAt())
}

func TestServiceSetMerge(t *testing.T) {
	c := New(KindPeer, "remote connection", nil)
	c.SetServices("images,audio")
	c.SetServices("video")
	services := c.Services()
	assert.Len(t, services, 3)
	_, ok := services["images"]
	assert.True(t, ok)
}

func TestUnderstandCommandRequiresPriorCommands(t *testing.T) {
	c := New(KindPeer, "remote connection", nil)
	assert.False(t, c.HasCommands())
	assert.False(t, c.UnderstandCommand("STATUS"))
	c.SetCommands("HELP,STOP,STATUS")
	assert.True(t, c.HasCommands())
	assert.True(t, c.UnderstandCommand("STATUS"))
	assert.False(t, c.UnderstandCommand("SHUTDOWN"))
}
