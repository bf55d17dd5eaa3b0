package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// signalContext derives a context cancelled by SIGINT or SIGTERM, so a
// Ctrl-C mid-sync stops cleanly at the next change boundary instead of
// killing the process mid-write.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
