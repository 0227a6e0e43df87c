package task

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "TaskFlow-Engine/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address  string
	Password string
	DB       int
	// Queue 为空时按任务类型分 list：<prefix>:<type>。
	Queue  string
	Prefix string
}

// RedisQueue 使用 Redis list 投递触发消息，执行端以 BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	queue  string
	prefix string
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskflow:triggers"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{client: client, queue: cfg.Queue, prefix: prefix}, nil
}

// Publish 将触发消息 LPUSH 到对应的 list。
func (q *RedisQueue) Publish(ctx context.Context, msg TriggerMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码触发消息失败")
	}
	if err := q.client.LPush(ctx, q.listFor(msg.Task), payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布触发消息失败")
	}
	return nil
}

func (q *RedisQueue) listFor(task BaseTask) string {
	if q.queue != "" {
		return q.queue
	}
	return q.prefix + ":" + task.Type
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Producer = (*RedisQueue)(nil)
