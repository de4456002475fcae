package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// Runner is anything RunWithGracefulShutdown can drive; *Engine is one.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// RunWithGracefulShutdown runs r and stops it on SIGTERM or SIGINT. Partitions
// in flight get timeout to wind down before their context is cancelled.
func RunWithGracefulShutdown(ctx context.Context, r Runner, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	return runUntilSignal(ctx, r, sigCh, timeout)
}

func runUntilSignal(ctx context.Context, r Runner, sigCh <-chan os.Signal, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		r.Stop()

		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			cancel()
			return <-errCh
		}

	case err := <-errCh:
		return err
	}
}
