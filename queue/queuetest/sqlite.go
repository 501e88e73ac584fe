// Package queuetest 提供基于内存 SQLite 的 Store，供各个包的单元测试使用
package queuetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

// OpenDB 打开一个独立的内存数据库。
// 只保留一个连接，SQLite 的写入因此被串行化，行为与单行条件更新的语义一致。
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewStore 返回已完成建表的 GormStore
func NewStore(t testing.TB) (*queue.GormStore, *gorm.DB) {
	t.Helper()
	db := OpenDB(t)
	store := queue.NewGormStore(db)
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store, db
}

// Record 构造一条带默认值的 PENDING 记录
func Record(key string, createdAt time.Time) *queue.QueueRecord {
	return &queue.QueueRecord{
		EventKey:    key,
		ClientID:    "client-1",
		ContactID:   "contact-" + key,
		Status:      queue.StatusPending,
		MaxAttempts: 3,
		NeedsEmail:  true,
		CreatedAt:   createdAt.UTC(),
	}
}

// MustInsert 插入记录并断言成功
func MustInsert(t testing.TB, store queue.Store, rec *queue.QueueRecord) *queue.QueueRecord {
	t.Helper()
	inserted, err := store.Insert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted, "expected %s to be inserted", rec.EventKey)
	return rec
}
