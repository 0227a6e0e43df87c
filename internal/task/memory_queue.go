package task

import (
	"context"
	"sync"

	xerrors "TaskFlow-Engine/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试与单进程部署。
type MemoryQueue struct {
	ch     chan TriggerMessage
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan TriggerMessage, size)}
}

// Publish 将消息投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, msg TriggerMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	}
}

// Receive 取出下一条消息，队列关闭且为空时返回错误。
func (q *MemoryQueue) Receive(ctx context.Context) (TriggerMessage, error) {
	select {
	case <-ctx.Done():
		return TriggerMessage{}, ctx.Err()
	case msg, ok := <-q.ch:
		if !ok {
			return TriggerMessage{}, xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
		}
		return msg, nil
	}
}

// Len 返回尚未被取走的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ Producer = (*MemoryQueue)(nil)
