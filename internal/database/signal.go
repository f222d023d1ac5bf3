package database

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler returns a context derived from parent that is canceled
// on SIGTERM or SIGINT. Extraction stops at the next row; the last
// committed bookmark stays in place.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	return SetupSignalHandlerWithCallback(parent, nil)
}

// SetupSignalHandlerWithCallback is SetupSignalHandler with a callback that
// runs before the context is canceled. The returned cancel func stops
// listening for signals.
func SetupSignalHandlerWithCallback(parent context.Context, callback func(os.Signal)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			if callback != nil {
				callback(sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
