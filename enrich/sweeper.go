package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

// SweepResult 是一次回收的结果
type SweepResult struct {
	// Reset 是被重置为 PENDING 的卡住记录数
	Reset int64 `json:"reset"`
	// Exhausted 是因尝试次数耗尽而被标记为 FAILED 的记录数
	Exhausted int64 `json:"exhausted"`
}

// Sweeper 回收长时间停留在 PROCESSING 的记录，例如处理进程崩溃后遗留的认领
type Sweeper struct {
	store   queue.Store
	now     func() time.Time
	metrics *metrics
}

func NewSweeper(store queue.Store) *Sweeper {
	return &Sweeper{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: newMetrics(),
	}
}

// WithClock 替换时钟，主要用于测试
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepStalled 把 processing_started_at 早于 now-staleAfter 的记录重置为 PENDING 并消耗一次尝试。
// 重置后尝试次数已用完的记录随即转为 FAILED。
func (s *Sweeper) SweepStalled(ctx context.Context, staleAfter time.Duration) (SweepResult, error) {
	if staleAfter <= 0 {
		return SweepResult{}, fmt.Errorf("stale threshold must be positive, got %s", staleAfter)
	}

	now := s.now()
	cutoff := now.Add(-staleAfter)

	var res SweepResult
	reset, err := s.store.ResetStalled(ctx, cutoff, now)
	if err != nil {
		return res, err
	}
	res.Reset = reset

	// 刚被重置到上限的记录也在这里转为 FAILED
	reason := fmt.Sprintf("attempts exhausted: processing stalled for more than %s", staleAfter)
	exhausted, err := s.store.FailExhausted(ctx, reason, now)
	if err != nil {
		return res, err
	}
	res.Exhausted = exhausted

	s.metrics.sweep(ctx, res)
	if res.Reset > 0 || res.Exhausted > 0 {
		logger.Ctx(ctx).Warn().
			Int64("reset", res.Reset).
			Int64("exhausted", res.Exhausted).
			Dur("stale_after", staleAfter).
			Msg("stalled records recovered")
	}
	return res, nil
}

// CleanupCompleted 删除完成时间早于 now-olderThan 的 COMPLETED 记录
func (s *Sweeper) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	deleted, err := s.store.DeleteCompletedBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", deleted).Dur("older_than", olderThan).Msg("completed records cleaned up")
	}
	return deleted, nil
}
