// Command meshd runs the cluster messaging daemon: a single-threaded event
// loop dispatching REGISTER/CONNECT/GOSSIP/broadcast traffic between local
// services and peer daemons. Flags are registered over urfave/cli/v2.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/meshdaemon/meshd/internal/config"
	"github.com/meshdaemon/meshd/internal/eventloop"
	"github.com/meshdaemon/meshd/internal/log"
	"github.com/meshdaemon/meshd/internal/router"
)

var (
	serverNameFlag = &cli.StringFlag{Name: "server-name", Usage: "this daemon's unique name in the cluster", Required: true}
	serverTypeFlag = &cli.StringSliceFlag{Name: "server-type", Usage: "one or more of apache, frontend, backend, cassandra"}
	myAddressFlag  = &cli.StringFlag{Name: "my-address", Usage: "address:port other daemons use to reach this one", Required: true}
	listenFlag     = &cli.StringFlag{Name: "listen", Usage: "bind address for peer connections", Value: "0.0.0.0:4040"}
	localListen    = &cli.StringFlag{Name: "local-listen", Usage: "bind address for local service connections", Value: "127.0.0.1:4040"}
	signalFlag     = &cli.StringFlag{Name: "signal", Usage: "bind address for the UDP STOP/SHUTDOWN socket", Value: "127.0.0.1:4041"}
	neighborsFlag  = &cli.StringSliceFlag{Name: "neighbor", Usage: "address:port of a known peer, repeatable"}
	maxConnFlag    = &cli.IntFlag{Name: "max-connections", Value: 100}
	maxPendingFlag = &cli.IntFlag{Name: "max-pending-connections", Value: 10}
	niceFlag       = &cli.IntFlag{Name: "nice", Value: 0}
	cachePathFlag  = &cli.StringFlag{Name: "cache-path", Value: "/var/cache/meshd"}
	debugFlag      = &cli.BoolFlag{Name: "debug", Usage: "enable debug-mode assertions (capability violations abort instead of warn)"}
)

func main() {
	app := &cli.App{
		Name:  "meshd",
		Usage: "cluster-wide inter-process signalling daemon",
		Flags: []cli.Flag{
			serverNameFlag, serverTypeFlag, myAddressFlag, listenFlag, localListen,
			signalFlag, neighborsFlag, maxConnFlag, maxPendingFlag, niceFlag,
			cachePathFlag, debugFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Default()
	cfg.ServerName = ctx.String(serverNameFlag.Name)
	cfg.ServerTypes = config.CanonicalServerTypes(ctx.StringSlice(serverTypeFlag.Name))
	cfg.MyAddress = ctx.String(myAddressFlag.Name)
	cfg.Listen = ctx.String(listenFlag.Name)
	cfg.LocalListen = ctx.String(localListen.Name)
	cfg.Signal = ctx.String(signalFlag.Name)
	cfg.Neighbors = ctx.StringSlice(neighborsFlag.Name)
	cfg.MaxConnections = ctx.Int(maxConnFlag.Name)
	cfg.MaxPendingConnections = ctx.Int(maxPendingFlag.Name)
	cfg.Nice = ctx.Int(niceFlag.Name)
	cfg.CachePath = ctx.String(cachePathFlag.Name)

	if ctx.Bool(debugFlag.Name) {
		log.Debug = true
		log.SetLevel(logrus.DebugLevel)
	}

	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, 1)
	}

	logger := log.New("main")
	applyProcessLimits(logger, cfg)
	loop := eventloop.New()

	exitCode := make(chan int, 1)
	r := router.New(cfg, loop, func(code int) { exitCode <- code })

	if err := r.Start(); err != nil {
		logger.WithField("err", err).Error("failed to start")
		return cli.Exit(err, 1) // bind failure, my_address not local, or similar startup error
	}
	logger.WithField("server_name", cfg.ServerName).WithField("my_address", cfg.MyAddress).Info("meshd started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("signal received, shutting down")
		r.Shutdown()
	}()

	go func() {
		code := <-exitCode
		logger.WithField("code", code).Info("meshd exiting")
		os.Exit(code)
	}()

	loop.Run()
	return nil
}
