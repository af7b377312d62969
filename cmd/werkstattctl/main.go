// Command werkstattctl is the operator CLI for the repair order workflow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/werkstatt-flow/api/internal/platform/observability"
)

func main() {
	logger, err := observability.NewLogger(os.Getenv("API_LOG_LEVEL"), envOr("API_ENVIRONMENT", "local"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(newApp(logger.Named("werkstattctl")))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
