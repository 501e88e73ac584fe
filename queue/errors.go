package queue

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("queue record not found")

// StorageError 包装所有来自底层数据库的错误。
// 状态迁移时出现 StorageError，记录可能停留在 PROCESSING，由 Sweeper 回收。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
