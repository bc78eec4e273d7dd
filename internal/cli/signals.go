package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler returns a context that is cancelled on SIGINT/SIGTERM.
// A second signal exits immediately.
func SetupSignalHandler(parent context.Context, w io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			_, _ = fmt.Fprintf(w, "\nReceived %s, stopping...\n", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}

		sig := <-sigChan
		_, _ = fmt.Fprintf(w, "\nReceived %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
