package main

import (
	"context"
	"os/signal"
	"syscall"
)

// newSignalContext returns a context canceled on SIGINT/SIGTERM, so a
// Ctrl-C during a long copy still lets the Orchestrator's deferred
// cleanup/mutex-release paths run instead of killing the connection out
// from under them.
func newSignalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
