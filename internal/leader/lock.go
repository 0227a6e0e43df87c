// Package leader 基于租约锁实现集群内的领导者选举。
package leader

import (
	"context"
	"time"
)

// Lock 是选举使用的租约锁。Acquire 与 Refresh 返回 false 表示锁被其他持有者占用。
// token 标识一个持有者，同一 token 视为同一持有者，调用方必须保证不同进程的 token 不同。
type Lock interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
	// Ping 检查协调服务是否可达。
	Ping(ctx context.Context) error
}
