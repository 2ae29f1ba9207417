package neighbor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshdaemon/meshd/internal/address"
)

func addr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s, 4040, "")
	assert.NoError(t, err)
	return a
}

func TestAddIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "neighbors.txt"))

	a := addr(t, "10.0.0.2:4040")
	assert.True(t, s.Add(a))
	assert.False(t, s.Add(a))
	assert.Len(t, s.All(), 1)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neighbors.txt")

	s := New(path)
	s.Add(addr(t, "10.0.0.2:4040"))
	s.Add(addr(t, "10.0.0.3:4040"))

	reloaded := New(path)
	assert.NoError(t, reloaded.LoadFile())
	assert.Len(t, reloaded.All(), 2)
}

func TestLoadFileSkipsComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neighbors.txt")
	assert.NoError(t, os.WriteFile(path, []byte("# comment\n10.0.0.2:4040\n\n"), 0o644))

	s := New(path)
	assert.NoError(t, s.LoadFile())
	assert.Len(t, s.All(), 1)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	assert.NoError(t, s.LoadFile())
	assert.Empty(t, s.All())
}

func TestExplicitSubset(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "neighbors.txt"))
	s.AddExplicit([]address.Address{addr(t, "10.0.0.2:4040")})
	s.Add(addr(t, "10.0.0.3:4040"))

	assert.Len(t, s.All(), 2)
	assert.Len(t, s.Explicit(), 1)
}
