package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// Cancellation stops the daemon from arming new timers and lets in-flight
// sync attempts finish their session teardown; a second signal aborts the
// process without waiting for that teardown.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		for received := 0; ; received++ {
			select {
			case sig := <-sigCh:
				if received == 0 {
					logger.Info("shutdown requested, draining sync attempts",
						slog.String("signal", sig.String()),
					)
					cancel()

					continue
				}

				logger.Warn("second signal, exiting without session teardown",
					slog.String("signal", sig.String()),
				)
				os.Exit(1)
			case <-parent.Done():
				cancel()
				return
			}
		}
	}()

	return ctx
}
