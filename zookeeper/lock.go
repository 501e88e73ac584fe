package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"

	"github.com/wangyingjie930/nexus-enrich/logger"
)

const (
	lockRoot   = "/enrich_locks" // 所有分布式锁的根节点
	lockPrefix = "lock-"
)

// ErrNotHeld 表示 Unlock 时并未持有锁
var ErrNotHeld = errors.New("zookeeper: lock not held")

// nodeStore 是锁用到的 zk 操作，*Conn 满足该接口
type nodeStore interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     nodeStore
	path     string // 锁的路径，例如 /enrich_locks/enrich-maintenance
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(conn nodeStore, resource string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resource
	if err := ensurePath(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// TryLock 只尝试一次，已被其他持有者占用时返回 false
func (l *DistributedLock) TryLock() (bool, error) {
	if err := l.create(); err != nil {
		return false, err
	}
	_, prev, err := l.position()
	if err != nil {
		l.release()
		return false, err
	}
	if prev == "" {
		return true, nil
	}
	l.release()
	return false, nil
}

// Lock 阻塞直到获取锁或 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	if err := l.create(); err != nil {
		return err
	}

	for {
		_, prev, err := l.position()
		if err != nil {
			l.release()
			return err
		}
		if prev == "" {
			return nil
		}

		// 只监听前一个节点，避免羊群效应
		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			l.release()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点被删除或连接状态变化，重新竞争
		case <-ctx.Done():
			l.release()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return ErrNotHeld
	}
	err := l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}

func (l *DistributedLock) create() error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+lockPrefix, nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	return nil
}

func (l *DistributedLock) release() {
	if err := l.Unlock(); err != nil && !errors.Is(err, ErrNotHeld) {
		logger.Logger.Warn().Err(err).Str("path", l.path).Msg("failed to release lock node")
	}
}

// position 返回自己的节点名以及排在前面的节点名，prev 为空表示持有锁。
// protected 节点带有随机前缀，所以按序号而不是名字排序。
func (l *DistributedLock) position() (string, string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return "", "", fmt.Errorf("failed to get children nodes: %w", err)
	}
	sort.Slice(children, func(i, j int) bool {
		return sequence(children[i]) < sequence(children[j])
	})

	mine := strings.TrimPrefix(l.lockNode, l.path+"/")
	for i, child := range children {
		if child != mine {
			continue
		}
		if i == 0 {
			return mine, "", nil
		}
		return mine, children[i-1], nil
	}
	return "", "", fmt.Errorf("lock node %s disappeared", mine)
}

func sequence(node string) int64 {
	idx := strings.LastIndex(node, lockPrefix)
	if idx < 0 {
		return -1
	}
	n, err := strconv.ParseInt(node[idx+len(lockPrefix):], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ensurePath 确保路径存在 (类似 mkdir -p)
func ensurePath(conn nodeStore, path string) error {
	currentPath := ""
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		currentPath += "/" + part
		exists, _, err := conn.Exists(currentPath)
		if err != nil {
			return fmt.Errorf("failed to check existence of path %s: %w", currentPath, err)
		}
		if exists {
			continue
		}
		// 并发创建导致的 ErrNodeExists 可以忽略
		if _, err := conn.Create(currentPath, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create path %s: %w", currentPath, err)
		}
	}
	return nil
}

// Locker 基于临时顺序节点实现非阻塞的资源互斥
type Locker struct {
	conn nodeStore
}

func NewLocker(conn *Conn) *Locker {
	return &Locker{conn: conn}
}

// TryLock 拿到锁时返回释放函数；会话断开时锁也会随临时节点自动释放
func (l *Locker) TryLock(ctx context.Context, resource string) (func(), bool, error) {
	lock, err := NewDistributedLock(l.conn, resource)
	if err != nil {
		return nil, false, err
	}
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("resource", resource).Msg("failed to unlock")
		}
	}, true, nil
}

// Lock 阻塞等待资源锁，供命令行的一次性维护任务使用
func (l *Locker) Lock(ctx context.Context, resource string) (func(), error) {
	lock, err := NewDistributedLock(l.conn, resource)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("resource", resource).Msg("failed to unlock")
		}
	}, nil
}
