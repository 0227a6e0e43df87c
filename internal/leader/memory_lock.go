package leader

import (
	"context"
	"sync"
	"time"

	xerrors "TaskFlow-Engine/internal/errors"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLock 是进程内的租约锁，用于测试与单节点部署。
type MemoryLock struct {
	mu          sync.Mutex
	leases      map[string]lease
	now         func() time.Time
	unavailable bool
}

// NewMemoryLock 创建内存租约锁。
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{leases: make(map[string]lease), now: time.Now}
}

// SetUnavailable 模拟协调服务不可达，此时所有操作返回错误。
func (l *MemoryLock) SetUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = unavailable
}

// Expire 使租约立即失效，模拟会话丢失。
func (l *MemoryLock) Expire(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
}

// Holder 返回当前持有者。
func (l *MemoryLock) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.leases[key]
	if !ok || !current.expires.After(l.now()) {
		return "", false
	}
	return current.owner, true
}

func (l *MemoryLock) checkAvailable() error {
	if l.unavailable {
		return xerrors.New(xerrors.CodeCoordinationFailure, "协调服务不可达")
	}
	return nil
}

// Acquire 实现 Lock 接口。
func (l *MemoryLock) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return false, err
	}
	now := l.now()
	current, ok := l.leases[key]
	if ok && current.owner != owner && current.expires.After(now) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Refresh 实现 Lock 接口。
func (l *MemoryLock) Refresh(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return false, err
	}
	now := l.now()
	current, ok := l.leases[key]
	if !ok || current.owner != owner || !current.expires.After(now) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release 实现 Lock 接口。
func (l *MemoryLock) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable(); err != nil {
		return err
	}
	if current, ok := l.leases[key]; ok && current.owner == owner {
		delete(l.leases, key)
	}
	return nil
}

// Ping 实现 Lock 接口。
func (l *MemoryLock) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkAvailable()
}

var _ Lock = (*MemoryLock)(nil)
