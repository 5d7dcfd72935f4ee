// Package backfill periodically re-discovers sources for transfers that ran
// out of them, and restarts transfers that failed on a stall.
package backfill

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/M0Rf30/slskdn/internal/logctx"
)

// Backfiller is the engine surface the sweeper drives.
type Backfiller interface {
	Backfill(ctx context.Context) error
}

type Sweeper struct {
	engine   Backfiller
	interval time.Duration
}

func NewSweeper(engine Backfiller, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
	}
}

// Run starts the sweep loop in its own goroutine and returns immediately.
// The loop stops when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		// Panic recovery (deferred last, executes first during unwind)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("backfill sweeper panic",
					"operation", "sweep",
					"panic", r,
					"stack", string(debug.Stack()))

				// Restart with clean state if context not cancelled
				if ctx.Err() == nil {
					logger.Info("restarting backfill sweeper after panic", "operation", "sweep")
					time.Sleep(time.Second) // Brief backoff before restart
					s.Run(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("backfill sweeper shutdown",
					"operation", "sweep",
					"reason", "context_cancelled")
				return
			case <-ticker.C:
				if err := s.engine.Backfill(ctx); err != nil {
					logger.Error("backfill sweep failed", "err", err)
				}
			}
		}
	}()
}
