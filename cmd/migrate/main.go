// Package main runs ledger migrations.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	migratecmd "github.com/louisbranch/underwrite/internal/cmd/migrate"
	"github.com/louisbranch/underwrite/internal/platform/config"
)

func main() {
	cfg, err := migratecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx, pause, stop := migratecmd.WatchSignals(context.Background(), signals)
	defer stop()

	if err := migratecmd.Run(ctx, cfg, pause, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
