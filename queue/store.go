package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptResult 是一次处理尝试需要持久化的结果
type AttemptResult struct {
	ValidationResults  []byte
	SubmissionResponse []byte
	LastError          string
}

// Store 定义了对 enrichment_queue 表的操作接口。
// 所有状态迁移都是带当前状态（以及尝试次数）条件的单行更新，返回值表示是否真正生效。
type Store interface {
	// Insert 插入一条新记录，event_key 冲突时返回 inserted=false 且不报错
	Insert(ctx context.Context, rec *QueueRecord) (inserted bool, err error)
	Get(ctx context.Context, id uint64) (*QueueRecord, error)
	GetByEventKey(ctx context.Context, eventKey string) (*QueueRecord, error)

	// SelectEligible 按 created_at 升序查找最多 limit 条可处理记录
	SelectEligible(ctx context.Context, now time.Time, limit int) ([]*QueueRecord, error)
	// Claim PENDING -> PROCESSING
	Claim(ctx context.Context, id uint64, expectedAttempts int, now time.Time) (bool, error)
	// Release PROCESSING -> PENDING，不消耗尝试次数
	Release(ctx context.Context, id uint64, expectedAttempts int) (bool, error)

	Complete(ctx context.Context, id uint64, prevAttempts int, res AttemptResult, now time.Time) (bool, error)
	Retry(ctx context.Context, id uint64, prevAttempts int, nextEligibleAt time.Time, res AttemptResult) (bool, error)
	Fail(ctx context.Context, id uint64, prevAttempts int, res AttemptResult, now time.Time) (bool, error)

	// ResetStalled 把 cutoff 之前开始且仍有剩余次数的 PROCESSING 记录重置为 PENDING
	ResetStalled(ctx context.Context, cutoff, now time.Time) (int64, error)
	// FailExhausted 把尝试次数已用完却仍处于 PENDING 的记录标记为 FAILED
	FailExhausted(ctx context.Context, reason string, now time.Time) (int64, error)
	// Requeue 人工重试一条 FAILED 记录
	Requeue(ctx context.Context, id uint64, now time.Time) (bool, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)
	CountEligible(ctx context.Context, now time.Time) (int64, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormStore 是 Store 接口的 GORM 实现，支持 MySQL、PostgreSQL 与 SQLite
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建一个新的 GORM Store 实例
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建或更新表结构
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return storageErr("migrate", s.db.WithContext(ctx).AutoMigrate(&QueueRecord{}))
}

func (s *GormStore) Insert(ctx context.Context, rec *QueueRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, storageErr("insert", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Get(ctx context.Context, id uint64) (*QueueRecord, error) {
	var rec QueueRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return &rec, nil
}

func (s *GormStore) GetByEventKey(ctx context.Context, eventKey string) (*QueueRecord, error) {
	var rec QueueRecord
	err := s.db.WithContext(ctx).Where("event_key = ?", eventKey).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get by event key", err)
	}
	return &rec, nil
}

func (s *GormStore) eligible(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.
		Where("status = ?", StatusPending).
		Where("attempts < max_attempts").
		Where("(next_eligible_at IS NULL OR next_eligible_at <= ?)", now.UTC())
}

func (s *GormStore) SelectEligible(ctx context.Context, now time.Time, limit int) ([]*QueueRecord, error) {
	var records []*QueueRecord
	err := s.eligible(s.db.WithContext(ctx), now).
		Order("created_at asc").
		Order("id asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageErr("select eligible", err)
	}
	return records, nil
}

// Claim 是并发控制的唯一原语：只有一个调用者能让这条 UPDATE 影响到一行
func (s *GormStore) Claim(ctx context.Context, id uint64, expectedAttempts int, now time.Time) (bool, error) {
	tx := s.eligible(s.db.WithContext(ctx).Model(&QueueRecord{}), now).
		Where("id = ?", id).
		Where("attempts = ?", expectedAttempts).
		Updates(map[string]any{
			"status":                StatusProcessing,
			"processing_started_at": now.UTC(),
		})
	if tx.Error != nil {
		return false, storageErr("claim", tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (s *GormStore) Release(ctx context.Context, id uint64, expectedAttempts int) (bool, error) {
	return s.transition(ctx, "release", id, expectedAttempts, map[string]any{
		"status":                StatusPending,
		"processing_started_at": nil,
	})
}

func (s *GormStore) Complete(ctx context.Context, id uint64, prevAttempts int, res AttemptResult, now time.Time) (bool, error) {
	return s.transition(ctx, "complete", id, prevAttempts, map[string]any{
		"status":                  StatusCompleted,
		"attempts":                prevAttempts + 1,
		"next_eligible_at":        nil,
		"processing_completed_at": now.UTC(),
		"validation_results":      jsonColumn(res.ValidationResults),
		"submission_response":     jsonColumn(res.SubmissionResponse),
		"last_error":              nil,
	})
}

func (s *GormStore) Retry(ctx context.Context, id uint64, prevAttempts int, nextEligibleAt time.Time, res AttemptResult) (bool, error) {
	return s.transition(ctx, "retry", id, prevAttempts, map[string]any{
		"status":             StatusPending,
		"attempts":           prevAttempts + 1,
		"next_eligible_at":   nextEligibleAt.UTC(),
		"validation_results": jsonColumn(res.ValidationResults),
		"last_error":         res.LastError,
	})
}

func (s *GormStore) Fail(ctx context.Context, id uint64, prevAttempts int, res AttemptResult, now time.Time) (bool, error) {
	return s.transition(ctx, "fail", id, prevAttempts, map[string]any{
		"status":                  StatusFailed,
		"attempts":                prevAttempts + 1,
		"next_eligible_at":        nil,
		"processing_completed_at": now.UTC(),
		"validation_results":      jsonColumn(res.ValidationResults),
		"last_error":              res.LastError,
	})
}

// transition 执行一次 PROCESSING 状态下的条件更新，attempts 作为乐观锁版本号。
// 若 Sweeper 已经回收了该记录，更新不会生效。
func (s *GormStore) transition(ctx context.Context, op string, id uint64, expectedAttempts int, values map[string]any) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Where("attempts = ?", expectedAttempts).
		Updates(values)
	if tx.Error != nil {
		return false, storageErr(op, tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (s *GormStore) ResetStalled(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("status = ?", StatusProcessing).
		Where("processing_started_at < ?", cutoff.UTC()).
		Where("attempts < max_attempts").
		Updates(map[string]any{
			"status":                StatusPending,
			"attempts":              gorm.Expr("attempts + 1"),
			"processing_started_at": nil,
			"next_eligible_at":      now.UTC(),
		})
	if tx.Error != nil {
		return 0, storageErr("reset stalled", tx.Error)
	}
	return tx.RowsAffected, nil
}

func (s *GormStore) FailExhausted(ctx context.Context, reason string, now time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("status = ?", StatusPending).
		Where("attempts >= max_attempts").
		Updates(map[string]any{
			"status":                  StatusFailed,
			"next_eligible_at":        nil,
			"processing_completed_at": now.UTC(),
			"last_error":              reason,
		})
	if tx.Error != nil {
		return 0, storageErr("fail exhausted", tx.Error)
	}
	return tx.RowsAffected, nil
}

func (s *GormStore) Requeue(ctx context.Context, id uint64, now time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("id = ?", id).
		Where("status = ?", StatusFailed).
		Updates(map[string]any{
			"status":                  StatusPending,
			"attempts":                0,
			"next_eligible_at":        now.UTC(),
			"processing_started_at":   nil,
			"processing_completed_at": nil,
		})
	if tx.Error != nil {
		return false, storageErr("requeue", tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

func (s *GormStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&QueueRecord{}).
		Select("status, count(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("count by status", err)
	}

	counts := make(map[Status]int64, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (s *GormStore) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.eligible(s.db.WithContext(ctx).Model(&QueueRecord{}), now).Count(&n).Error
	if err != nil {
		return 0, storageErr("count eligible", err)
	}
	return n, nil
}

func (s *GormStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("status = ?", StatusCompleted).
		Where("processing_completed_at < ?", cutoff.UTC()).
		Delete(&QueueRecord{})
	if tx.Error != nil {
		return 0, storageErr("delete completed", tx.Error)
	}
	return tx.RowsAffected, nil
}

// jsonColumn 把空结果写成 NULL
func jsonColumn(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return datatypes.JSON(b)
}
