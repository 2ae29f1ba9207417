// Package log provides the structured logger shared by every meshd
// component, wrapping logrus the way network/p2p.Server threads a
// *logrus.Entry through WithField chains.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log verbosity; the -debug flag routes
// through this. A "LOG" message does not change the level.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Debug reports whether the daemon is running with debug-mode checks
// enabled (capability verification, COMMANDS completeness assertions).
var Debug = false

// New returns a tagged entry for a component, e.g. New("router") or
// New("dialer").WithField("peer", addr).
func New(component string) *logrus.Entry {
	return base.WithField("component", component)
}
