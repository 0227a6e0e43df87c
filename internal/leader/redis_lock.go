package leader

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "TaskFlow-Engine/internal/errors"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLockConfig 描述 Redis 租约锁的连接参数。
type RedisLockConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLock 使用 SET NX PX 实现租约，续约与释放通过 Lua 脚本校验持有者。
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock 创建 Redis 租约锁，不在构造时检查连通性，由 WaitForCoordinator 负责。
func NewRedisLock(cfg RedisLockConfig) (*RedisLock, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisLock{client: client, prefix: cfg.KeyPrefix}, nil
}

func (l *RedisLock) key(key string) string {
	return l.prefix + key
}

// Acquire 实现 Lock 接口。
func (l *RedisLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), owner, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeCoordinationFailure, err, "获取 Redis 租约失败")
	}
	if ok {
		return true, nil
	}
	// 同一 token 的租约（例如续约超时但租约仍在）直接续用；token 由选举器按进程生成。
	return l.Refresh(ctx, key, owner, ttl)
}

// Refresh 实现 Lock 接口。
func (l *RedisLock) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeCoordinationFailure, err, "续约 Redis 租约失败")
	}
	return res == 1, nil
}

// Release 实现 Lock 接口。
func (l *RedisLock) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, owner).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCoordinationFailure, err, "释放 Redis 租约失败")
	}
	return nil
}

// Ping 实现 Lock 接口。
func (l *RedisLock) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCoordinationFailure, err, "Redis 不可达")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (l *RedisLock) Close() error {
	return l.client.Close()
}

var _ Lock = (*RedisLock)(nil)
