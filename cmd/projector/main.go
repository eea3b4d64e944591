// Package main starts the projector service process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	projectorcmd "github.com/louisbranch/readmodel/internal/cmd/projector"
	"github.com/louisbranch/readmodel/internal/platform/config"
)

func main() {
	cfg, err := projectorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ExitOnError(projectorcmd.Run(ctx, cfg), "run projector")
}
