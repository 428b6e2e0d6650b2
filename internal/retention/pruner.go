// Package retention bounds the durable raw-event table by deleting
// rows past a configured age horizon.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the slice of the durable adapter the pruner needs.
type Store interface {
	DeleteOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

// Pruner deletes durable rows older than the retention horizon. It is
// invoked once at ingestion start; RunPeriodic drives it on a ticker
// for long-lived runs.
type Pruner struct {
	store   Store
	horizon time.Duration
	logger  *slog.Logger
}

// New creates a Pruner with the given horizon.
func New(store Store, horizon time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:   store,
		horizon: horizon,
		logger:  logger.With("component", "pruner"),
	}
}

// Run deletes all rows older than now minus the horizon and returns
// how many were removed. Idempotent: with no inserts in between, a
// second run removes nothing.
func (p *Pruner) Run(ctx context.Context) (int64, error) {
	deleted, err := p.store.DeleteOlderThan(ctx, p.horizon)
	if err != nil {
		return 0, fmt.Errorf("prune raw events: %w", err)
	}

	p.logger.Info("pruned raw events", "deleted", deleted, "horizon", p.horizon)
	return deleted, nil
}

// RunPeriodic prunes on the given interval until ctx is done. Failures
// are logged and the loop keeps going; pruning is never fatal to the
// ingestion run.
func (p *Pruner) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil {
				p.logger.Error("periodic prune failed", "error", err)
			}
		}
	}
}
