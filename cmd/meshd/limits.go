package main

import (
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/meshdaemon/meshd/internal/config"
)

// applyProcessLimits raises the process nice value and the open-file soft
// limit toward its hard limit, per §5's resource-model requirements: a
// daemon holding max_connections sockets needs headroom above the default
// per-process fd limit, and a lower scheduling priority keeps it from
// starving the services it routes for.
func applyProcessLimits(logger *logrus.Entry, cfg *config.Config) {
	if cfg.Nice > 0 {
		if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, cfg.Nice); err != nil {
			logger.WithField("nice", cfg.Nice).WithField("err", err).Warn("could not set process priority")
		}
	}

	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		logger.WithField("err", err).Warn("could not read file descriptor limit")
		return
	}
	want := uint64(cfg.MaxConnections) * 2
	if want <= rlim.Cur {
		return
	}
	target := want
	if target > rlim.Max {
		target = rlim.Max
	}
	if target <= rlim.Cur {
		return
	}
	rlim.Cur = target
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		logger.WithField("err", err).Warn("could not raise file descriptor limit")
	}
}
