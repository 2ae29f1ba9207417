// Package neighbor implements the neighbor set and its flat-file
// persistence.
package neighbor

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/meshdaemon/meshd/internal/address"
	"github.com/meshdaemon/meshd/internal/log"
)

var logger = log.New("neighbor")

// Set is the router-owned collection of known peer addresses, with two
// derived views: the explicit subset from configuration (sent verbatim in
// handshakes) and the full set (used to drive outbound dials).
type Set struct {
	mu       sync.Mutex
	path     string
	all      map[string]address.Address
	explicit map[string]struct{}
}

// New creates an empty neighbor set persisted at path.
func New(path string) *Set {
	return &Set{
		path:     path,
		all:      make(map[string]address.Address),
		explicit: make(map[string]struct{}),
	}
}

// LoadFile reads the persisted neighbor file, if any, adding each
// non-comment line to the in-memory set before any dialers are created.
// A missing file is not an error: it simply starts with an empty set.
func (s *Set) LoadFile() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		a, err := address.Parse(line, 0, "")
		if err != nil {
			logger.WithField("line", line).WithField("err", err).Warn("skipping malformed neighbor line")
			continue
		}
		s.addLocked(a, false)
	}
	return scanner.Err()
}

// AddExplicit seeds the explicit (configuration) subset, also adding each
// address to the all-set.
func (s *Set) AddExplicit(addrs []address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.addLocked(a, true)
	}
	s.persistLocked()
}

// Add adds a address learned at runtime (from a peer's neighbors list or
// from GOSSIP). Returns true if it was newly added; adding the same
// address twice is a no-op.
func (s *Set) Add(a address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.addLocked(a, false)
	if added {
		s.persistLocked()
	}
	return added
}

func (s *Set) addLocked(a address.Address, explicit bool) bool {
	key := a.String()
	_, existed := s.all[key]
	if !existed {
		s.all[key] = a
	}
	if explicit {
		s.explicit[key] = struct{}{}
	}
	return !existed
}

// Contains reports whether an address is already known.
func (s *Set) Contains(a address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.all[a.String()]
	return ok
}

// All returns every known neighbor address, sorted for determinism.
func (s *Set) All() []address.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.all)
}

// Explicit returns the configuration-seeded subset, sorted for
// determinism.
func (s *Set) Explicit() []address.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]address.Address, len(s.explicit))
	for k := range s.explicit {
		out[k] = s.all[k]
	}
	return sortedValues(out)
}

func sortedValues(m map[string]address.Address) []address.Address {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]address.Address, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// persistLocked rewrites the whole neighbor file. The write is not assumed
// atomic against a crash: a truncated file only shrinks the known set, and
// GOSSIP recovers it.
func (s *Set) persistLocked() {
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		logger.WithField("err", err).Warn("could not create neighbor cache directory")
		return
	}
	f, err := os.Create(s.path)
	if err != nil {
		logger.WithField("err", err).Warn("could not persist neighbor set")
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, a := range sortedValues(s.all) {
		w.WriteString(a.String())
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		logger.WithField("err", err).Warn("could not flush neighbor set")
	}
}
