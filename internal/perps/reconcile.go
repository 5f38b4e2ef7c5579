package perps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/babylonsim/marketcore/internal/domain"
)

// positionMarkStore is the slice of the position store the reconciler needs.
type positionMarkStore interface {
	UpsertMarks(ctx context.Context, marks []domain.PositionMark) error
}

// Reconciler periodically pushes in-memory position deltas to durable
// storage. The engine and the store are not in lockstep on every mutation;
// a crash between a mark and the next sweep loses that delta, which is
// acceptable because the ledger is the system of record for realized
// settlement. Sweeps are idempotent: marks carry a version and the store
// only applies newer ones.
type Reconciler struct {
	engine   *Engine
	store    positionMarkStore
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler flushing on the given interval.
func NewReconciler(engine *Engine, store positionMarkStore, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		engine:   engine,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "perps_reconciler")),
	}
}

// Run flushes deltas on a ticker until the context is cancelled. Flush
// errors are logged and retried on the next tick, never fatal.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final best-effort flush on shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.SyncOnce(flushCtx); err != nil {
				r.logger.Warn("final reconcile flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.SyncOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "reconcile sweep failed",
					slog.Int("marks", n),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// SyncOnce collects the dirty snapshot and upserts it. On failure the
// collected ids are requeued so the next sweep retries them. It returns the
// number of marks attempted.
func (r *Reconciler) SyncOnce(ctx context.Context) (int, error) {
	marks := r.engine.CollectDirty()
	if len(marks) == 0 {
		return 0, nil
	}

	if err := r.store.UpsertMarks(ctx, marks); err != nil {
		ids := make([]string, len(marks))
		for i, m := range marks {
			ids[i] = m.ID
		}
		r.engine.Requeue(ids)
		return len(marks), fmt.Errorf("perps: flush %d marks: %w", len(marks), err)
	}

	r.logger.DebugContext(ctx, "reconcile sweep flushed", slog.Int("marks", len(marks)))
	return len(marks), nil
}
