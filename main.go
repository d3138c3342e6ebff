// main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hexedge/deskpilot/cmd"
)

// main is the entry point for the deskpilot CLI.
func main() {
	// Commands receive a signal-aware context so Ctrl-C cancels running
	// sessions between turns instead of killing them mid-action.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}
