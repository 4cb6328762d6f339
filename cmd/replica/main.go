/*
Command replica runs one HotStuff node. It loads a YAML config file
(see config.LoadConfig), builds a replica.Replica, and blocks until
interrupted — the idiomatic-Go counterpart of the teacher's root
main.go:startQCDAG, minus the fixed 15-second connection-warmup sleep
that node.EstablishP2PConns needed (this transport dials lazily).
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/config"
	"github.com/nibeshrestha/optsync/replica"
)

func main() {
	conf, err := config.LoadConfig("OPTSYNC", "config")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "hotstuff-" + conf.Self,
		Output: hclog.DefaultOutput,
		Level:  conf.LogLevel,
	})

	r, err := replica.New(logger, conf.ToOptions())
	if err != nil {
		logger.Error("failed to build replica", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("starting", "self", conf.Self, "listen", conf.ListenAddr, "client-listen", conf.ClientListenAddr)
	if err := r.Run(ctx); err != nil {
		logger.Error("replica exited with error", "error", err)
		os.Exit(1)
	}
}
