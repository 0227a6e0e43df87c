package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store 抽象了任务状态的持久化接口。所有修改状态或下一次事件时间的操作
// 都以调用方已知的版本为前提条件，并在成功时将版本加一。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// GetStuckTasks 返回状态属于 statuses 且 next_event_time 已过期的任务，按 (next_event_time, id)
	// 升序；after 非空时只返回排在游标之后的任务。
	GetStuckTasks(ctx context.Context, batchSize int, after *PageCursor, statuses ...Status) (StuckTasksPage, error)
	// GetWaitingTasks 返回已经到期的 WAITING 任务，分页方式同 GetStuckTasks。
	GetWaitingTasks(ctx context.Context, batchSize int, after *PageCursor) (StuckTasksPage, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) (UpdateResult, error)
	MarkAsSubmittedAndSetNextEventTime(ctx context.Context, version VersionID, nextEventTime time.Time) (UpdateResult, error)
	// PrepareStuckOnProcessingTasksForResuming 将 clientID 名下仍处于 PROCESSING 的任务
	// 改为 SUBMITTED，并返回更新成功的任务（携带新版本）。
	PrepareStuckOnProcessingTasksForResuming(ctx context.Context, clientID string, maxStuckTime time.Time) ([]BaseTask, error)

	FindTasks(ctx context.Context, filter Filter) ([]*Task, error)
	DeleteTasks(ctx context.Context, filter Filter) (int64, error)
	Close() error
}

// Filter 用于测试与运维场景下按类型与状态筛选任务。空字段表示不过滤。
type Filter struct {
	Type     string
	SubType  string
	Statuses []Status
}

func (f Filter) matches(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.SubType != "" && t.SubType != f.SubType {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	return true
}
