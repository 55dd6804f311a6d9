package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/karasz/rkstate/cmd/rkstate/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.ExecuteContext(ctx)
	cancel()
	os.Exit(code)
}
