// Package graceful coordinates process teardown. Long-lived components
// register shutdown callbacks as they start, and WaitShutdown runs them
// once the process receives an interrupt.
package graceful

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const shutdownTimeout = 30 * time.Second

// ShutdownCallback releases one resource. Callbacks run in reverse
// registration order, so dependents stop before what they depend on.
type ShutdownCallback func(ctx context.Context) error

var (
	mu        sync.Mutex
	callbacks []ShutdownCallback
)

// AddCallback registers a teardown step to run at shutdown.
func AddCallback(cb ShutdownCallback) {
	mu.Lock()
	defer mu.Unlock()

	callbacks = append(callbacks, cb)
}

// WaitShutdown blocks until SIGINT or SIGTERM arrives, then runs every
// registered callback under a shared deadline.
func WaitShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return ExecuteCallbacks(ctx)
}

// ExecuteCallbacks runs the registered callbacks newest first and clears
// the list. Every callback runs even if an earlier one fails; the first
// error is returned.
func ExecuteCallbacks(ctx context.Context) error {
	mu.Lock()
	cbs := make([]ShutdownCallback, len(callbacks))
	copy(cbs, callbacks)
	callbacks = nil
	mu.Unlock()

	var firstErr error

	for i := len(cbs) - 1; i >= 0; i-- {
		if err := cbs[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
