// Package main starts the ledger service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	ledgercmd "github.com/louisbranch/underwrite/internal/cmd/ledger"
	"github.com/louisbranch/underwrite/internal/platform/config"
)

func main() {
	cfg, err := ledgercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ledgercmd.Run(ctx, cfg); err != nil {
		config.Exitf("Error: %v", err)
	}
}
