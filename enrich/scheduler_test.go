package enrich

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/nexus-enrich/queue"
	"github.com/wangyingjie930/nexus-enrich/queue/queuetest"
)

type stubLocker struct {
	acquire  bool
	attempts atomic.Int32
	unlocks  atomic.Int32
}

func (l *stubLocker) TryLock(context.Context, string) (func(), bool, error) {
	l.attempts.Add(1)
	if !l.acquire {
		return nil, false, nil
	}
	return func() { l.unlocks.Add(1) }, true, nil
}

func TestScheduler_RunsBatchesUntilCancelled(t *testing.T) {
	store, _ := queuetest.NewStore(t)
	seed(t, store, 4)
	p := NewProcessor(store, itemFunc(succeed), testConfig(), WithClock(func() time.Time { return t0 }))
	locker := &stubLocker{acquire: true}
	s := NewScheduler(p, NewSweeper(store), locker, SchedulerConfig{
		PollInterval:  10 * time.Millisecond,
		SweepInterval: 15 * time.Millisecond,
		Batch:         BatchOptions{Limit: 2, Concurrency: 2},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool {
		counts, err := store.CountByStatus(context.Background())
		return err == nil && counts[queue.StatusCompleted] == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return locker.unlocks.Load() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_SkipsMaintenanceWithoutLock(t *testing.T) {
	store, db := queuetest.NewStore(t)
	rec := queuetest.MustInsert(t, store, queuetest.Record("stuck", t0.Add(-time.Hour)))
	forceProcessing(t, db, rec.ID, 0, time.Now().Add(-time.Hour))

	locker := &stubLocker{acquire: false}
	p := NewProcessor(store, itemFunc(succeed), testConfig())
	s := NewScheduler(p, NewSweeper(store), locker, SchedulerConfig{
		PollInterval:  time.Hour,
		SweepInterval: 5 * time.Millisecond,
		StaleAfter:    time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	assert.Eventually(t, func() bool { return locker.attempts.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status, "sweep must not run while another instance holds the lock")
}
