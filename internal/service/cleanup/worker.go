// Package cleanup runs periodic maintenance: idle rate windows and stale device
// registrations.
package cleanup

import (
	"context"
	"log"
	"time"

	"github.com/iamasit07/souqchat/internal/telemetry"
)

type WindowSweeper interface {
	Sweep(now time.Time) int
}

type TokenPruner interface {
	PruneDeviceTokens(ctx context.Context, cutoff time.Time) (int, error)
}

type Worker struct {
	Limiter     WindowSweeper
	Devices     TokenPruner
	Interval    time.Duration
	TokenExpiry time.Duration
	Metrics     *telemetry.Metrics

	now func() time.Time
}

func NewWorker(limiter WindowSweeper, devices TokenPruner, interval, tokenExpiry time.Duration, metrics *telemetry.Metrics) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		Limiter:     limiter,
		Devices:     devices,
		Interval:    interval,
		TokenExpiry: tokenExpiry,
		Metrics:     metrics,
		now:         time.Now,
	}
}

// Run cleans up once immediately, then every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[CLEANUP] Background worker started (every %s)", w.Interval)
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[CLEANUP] Background worker stopped")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes the actual cleanup logic
func (w *Worker) RunOnce(ctx context.Context) {
	now := w.now()

	if w.Limiter != nil {
		if n := w.Limiter.Sweep(now); n > 0 {
			log.Printf("[CLEANUP] Dropped %d idle rate windows", n)
		}
	}

	if w.Devices == nil || w.TokenExpiry <= 0 {
		return
	}
	deletedCount, err := w.Devices.PruneDeviceTokens(ctx, now.Add(-w.TokenExpiry))
	if err != nil {
		log.Printf("[CLEANUP] Error pruning device tokens: %v", err)
		return
	}
	if deletedCount > 0 {
		log.Printf("[CLEANUP] Removed %d expired device tokens", deletedCount)
		w.Metrics.TokensPruned(ctx, "expired", deletedCount)
	}
}
