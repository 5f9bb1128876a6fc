package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"speedshare/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewApp().RunContext(ctx, os.Args); err != nil {
		os.Exit(1)
	}
}
