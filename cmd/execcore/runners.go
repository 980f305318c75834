package main

import (
	"context"
	"time"

	"execcore/internal/app"
	"execcore/internal/core"
)

// pollRunner repeatedly drives ExecutionEngine.PollOnce on a fixed interval
// until the shared context is cancelled (spec §4.8 step 5's polling loop).
type pollRunner struct {
	core     *app.Core
	interval time.Duration
	logger   core.ILogger
}

func (r *pollRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.core.PollBroker(ctx); err != nil {
				r.logger.Error("broker poll failed", "error", err)
			}
		}
	}
}

// reconcileRunner ticks faster than the configured reconciliation interval
// so PeriodicReconciler.Check's own gate (spec §4.9, P8) is the thing that
// actually decides when a reconciliation runs.
type reconcileRunner struct {
	core   *app.Core
	logger core.ILogger
}

func (r *reconcileRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result := r.core.ReconcilePeriodic(ctx)
			if result.Ran && len(result.Discrepancies) > 0 {
				r.logger.Warn("periodic reconciliation found discrepancies", "count", len(result.Discrepancies))
			}
		}
	}
}
