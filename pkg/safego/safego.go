// Package safego runs goroutines with panic recovery so a bug in one
// background task (a sweeper, a replayer, a pump) can't take the process
// down with it.
package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "cleanup-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Every runs fn on a ticker of the given period until ctx is cancelled,
// with panic recovery on each tick so one bad sweep doesn't kill the
// sweeper. fn runs once immediately before the first tick.
func Every(ctx context.Context, logger *zap.Logger, name string, period time.Duration, fn func(ctx context.Context)) {
	Go(logger, name, func() {
		runTick(ctx, logger, name, fn)

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runTick(ctx, logger, name, fn)
			}
		}
	})
}

func runTick(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("periodic task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn(ctx)
}
