package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sperwe/Tree-Style-History-sub000/internal/metrics"
)

// MinPruneBatch is the smallest number of pending deletions committed together.
const MinPruneBatch = 200

// RetentionStore is the part of the record store the sweep uses.
type RetentionStore interface {
	VisitIDsBefore(ctx context.Context, before time.Time) ([]int64, error)
	DeleteVisits(ctx context.Context, ids []int64) (int64, error)
}

// Retention removes visits older than a horizon.
type Retention struct {
	store     RetentionStore
	resolver  *Resolver
	batchSize int
	now       func() time.Time
	log       *slog.Logger
}

// NewRetention creates a sweep committing batchSize deletions at a time
// (never fewer than MinPruneBatch). resolver may be nil.
func NewRetention(store RetentionStore, r *Resolver, batchSize int, log *slog.Logger) *Retention {
	if batchSize < MinPruneBatch {
		batchSize = MinPruneBatch
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retention{store: store, resolver: r, batchSize: batchSize, now: time.Now, log: log}
}

// SetClock replaces the time source (used by tests).
func (rt *Retention) SetClock(now func() time.Time) {
	rt.now = now
}

// Expired lists the visits a sweep with this horizon would delete.
func (rt *Retention) Expired(ctx context.Context, horizon time.Duration) ([]int64, error) {
	return rt.store.VisitIDsBefore(ctx, rt.now().Add(-horizon))
}

// Sweep deletes visits older than now minus horizon and returns how many
// were removed. Deletions are committed in batches; a failed batch stops
// the sweep and reports what was deleted so far.
func (rt *Retention) Sweep(ctx context.Context, horizon time.Duration) (int64, error) {
	ids, err := rt.Expired(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("list expired visits: %w", err)
	}

	var deleted int64
	pending := make([]int64, 0, rt.batchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := rt.store.DeleteVisits(ctx, pending)
		if err != nil {
			return fmt.Errorf("delete batch of %d visits: %w", len(pending), err)
		}
		deleted += n
		metrics.VisitsPruned.Add(float64(n))
		if rt.resolver != nil {
			rt.resolver.Evict(pending...)
		}
		pending = pending[:0]
		return nil
	}

	for _, id := range ids {
		pending = append(pending, id)
		if len(pending) >= rt.batchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	rt.log.Info("retention sweep finished", "deleted", deleted, "horizon", horizon)
	return deleted, nil
}
