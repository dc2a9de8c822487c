package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sperwe/Tree-Style-History-sub000/internal/storage"
)

// batchRecorder is a RetentionStore that records the size of every batch.
type batchRecorder struct {
	ids     []int64
	batches []int
	failAt  int
}

func (b *batchRecorder) VisitIDsBefore(context.Context, time.Time) ([]int64, error) {
	return b.ids, nil
}

func (b *batchRecorder) DeleteVisits(_ context.Context, ids []int64) (int64, error) {
	if b.failAt > 0 && len(b.batches)+1 == b.failAt {
		return 0, errors.New("database is locked")
	}
	b.batches = append(b.batches, len(ids))
	return int64(len(ids)), nil
}

func TestRetention_SweepsExpiredVisits(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	r := NewResolver()

	now := t0.AddDate(0, 0, 100)
	for i, at := range []time.Time{t0, t0.Add(time.Hour), now.Add(-time.Hour)} {
		id := int64(i + 1)
		require.NoError(t, store.AddVisit(ctx, &storage.VisitRecord{
			VisitID: id, URL: "https://a.com", VisitTime: at, Transition: storage.TransitionLink,
		}))
		r.Remember(id, "https://a.com", at)
	}

	rt := NewRetention(store, r, 0, nil)
	rt.SetClock(fixedClock(now))

	expired, err := rt.Expired(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, expired)

	n, err := rt.Sweep(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.False(t, r.Known(1))
	assert.False(t, r.Known(2))
	assert.True(t, r.Known(3))

	_, err = store.GetVisit(ctx, 3)
	assert.NoError(t, err)
	_, err = store.GetVisit(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetention_CommitsInBatches(t *testing.T) {
	ids := make([]int64, 450)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	rec := &batchRecorder{ids: ids}

	rt := NewRetention(rec, nil, 50, nil)
	n, err := rt.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(450), n)
	assert.Equal(t, []int{200, 200, 50}, rec.batches, "batch size is raised to the minimum")
}

func TestRetention_FailedBatchStopsSweep(t *testing.T) {
	ids := make([]int64, 500)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	rec := &batchRecorder{ids: ids, failAt: 2}

	rt := NewRetention(rec, nil, MinPruneBatch, nil)
	n, err := rt.Sweep(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, int64(200), n)
}
