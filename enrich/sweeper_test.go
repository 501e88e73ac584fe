package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wangyingjie930/nexus-enrich/queue"
	"github.com/wangyingjie930/nexus-enrich/queue/queuetest"
)

func forceProcessing(t *testing.T, db *gorm.DB, id uint64, attempts int, startedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&queue.QueueRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":                queue.StatusProcessing,
		"attempts":              attempts,
		"processing_started_at": startedAt.UTC(),
	}).Error)
}

func TestSweepStalled(t *testing.T) {
	store, db := queuetest.NewStore(t)
	ctx := context.Background()
	now := t0

	stalled := queuetest.MustInsert(t, store, queuetest.Record("stalled", t0.Add(-2*time.Hour)))
	forceProcessing(t, db, stalled.ID, 0, now.Add(-20*time.Minute))

	lastChance := queuetest.MustInsert(t, store, queuetest.Record("last-chance", t0.Add(-2*time.Hour)))
	forceProcessing(t, db, lastChance.ID, 2, now.Add(-20*time.Minute))

	fresh := queuetest.MustInsert(t, store, queuetest.Record("fresh", t0.Add(-2*time.Hour)))
	forceProcessing(t, db, fresh.ID, 0, now.Add(-time.Minute))

	sweeper := NewSweeper(store).WithClock(func() time.Time { return now })
	res, err := sweeper.SweepStalled(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Reset)
	assert.EqualValues(t, 1, res.Exhausted)

	got, err := store.Get(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ProcessingStartedAt)
	require.NotNil(t, got.NextEligibleAt)
	assert.True(t, got.NextEligibleAt.Equal(now))

	got, err = store.Get(ctx, lastChance.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "stalled")

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status)

	_, err = sweeper.SweepStalled(ctx, 0)
	assert.Error(t, err)
}

func TestSweepStalled_ThenProcessorPicksUp(t *testing.T) {
	store, db := queuetest.NewStore(t)
	ctx := context.Background()
	rec := queuetest.MustInsert(t, store, queuetest.Record("crashed", t0.Add(-time.Hour)))
	forceProcessing(t, db, rec.ID, 0, t0.Add(-30*time.Minute))

	_, err := NewSweeper(store).WithClock(func() time.Time { return t0 }).SweepStalled(ctx, 10*time.Minute)
	require.NoError(t, err)

	p := NewProcessor(store, itemFunc(succeed), testConfig(), WithClock(func() time.Time { return t0 }))
	stats, err := p.RunBatch(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestCleanupCompleted(t *testing.T) {
	store, db := queuetest.NewStore(t)
	ctx := context.Background()

	old := queuetest.MustInsert(t, store, queuetest.Record("old", t0.Add(-72*time.Hour)))
	recent := queuetest.MustInsert(t, store, queuetest.Record("recent", t0.Add(-2*time.Hour)))
	for id, at := range map[uint64]time.Time{old.ID: t0.Add(-48 * time.Hour), recent.ID: t0.Add(-time.Hour)} {
		require.NoError(t, db.Model(&queue.QueueRecord{}).Where("id = ?", id).Updates(map[string]any{
			"status":                  queue.StatusCompleted,
			"processing_completed_at": at,
		}).Error)
	}

	sweeper := NewSweeper(store).WithClock(func() time.Time { return t0 })
	deleted, err := sweeper.CleanupCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = store.Get(ctx, recent.ID)
	assert.NoError(t, err)
}
