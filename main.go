// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alitoori/marketbot/cmd"
)

func main() {
	// SIGINT and SIGTERM cancel the context; sessions finish their current
	// port operation and the engine shuts down within the configured grace.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
