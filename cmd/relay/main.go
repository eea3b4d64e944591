// Package main starts the relay service process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	relaycmd "github.com/louisbranch/readmodel/internal/cmd/relay"
	"github.com/louisbranch/readmodel/internal/platform/config"
)

func main() {
	cfg, err := relaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ExitOnError(relaycmd.Run(ctx, cfg), "run relay")
}
