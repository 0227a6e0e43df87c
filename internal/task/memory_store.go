package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与本地开发。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	now   func() time.Time
}

// MemoryStoreOption 定义 MemoryStore 的可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock 替换内存存储使用的时钟。
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{tasks: make(map[uuid.UUID]*Task), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == uuid.Nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !task.Status.Valid() {
		return xerrors.New(CodeTaskUnknownStatus, "未知的任务状态 "+string(task.Status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskAlreadyExists
	}
	now := m.now()
	if task.TimeCreated.IsZero() {
		task.TimeCreated = now
	}
	if task.StateTime.IsZero() {
		task.StateTime = now
	}
	if task.NextEventTime.IsZero() {
		task.NextEventTime = now
	}
	task.TimeUpdated = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// GetStuckTasks 实现 Store 接口。
func (m *MemoryStore) GetStuckTasks(_ context.Context, batchSize int, after *PageCursor, statuses ...Status) (StuckTasksPage, error) {
	if batchSize <= 0 {
		return StuckTasksPage{}, xerrors.New(xerrors.CodeInvalidArgument, "batchSize 必须大于 0")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	due := make([]*Task, 0)
	for _, task := range m.tasks {
		if !containsStatus(statuses, task.Status) {
			continue
		}
		if !task.NextEventTime.Before(now) || !after.after(task.NextEventTime, task.ID) {
			continue
		}
		due = append(due, task)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextEventTime.Equal(due[j].NextEventTime) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].NextEventTime.Before(due[j].NextEventTime)
	})

	page := StuckTasksPage{HasMore: len(due) > batchSize}
	if page.HasMore {
		due = due[:batchSize]
		last := due[len(due)-1]
		page.Next = PageCursor{NextEventTime: last.NextEventTime, ID: last.ID}
	}
	page.Tasks = make([]BaseTask, 0, len(due))
	for _, task := range due {
		page.Tasks = append(page.Tasks, task.Base())
	}
	return page, nil
}

// GetWaitingTasks 实现 Store 接口。
func (m *MemoryStore) GetWaitingTasks(ctx context.Context, batchSize int, after *PageCursor) (StuckTasksPage, error) {
	return m.GetStuckTasks(ctx, batchSize, after, StatusWaiting)
}

// SetStatus 实现 Store 接口。
func (m *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status Status, expectedVersion int64) (UpdateResult, error) {
	if !status.Valid() {
		return UpdateVersionConflict, xerrors.New(CodeTaskUnknownStatus, "未知的任务状态 "+string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || task.Version != expectedVersion {
		return UpdateVersionConflict, nil
	}
	now := m.now()
	task.Status = status
	task.StateTime = now
	task.TimeUpdated = now
	task.Version++
	return UpdateApplied, nil
}

// MarkAsSubmittedAndSetNextEventTime 实现 Store 接口。
func (m *MemoryStore) MarkAsSubmittedAndSetNextEventTime(_ context.Context, version VersionID, nextEventTime time.Time) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[version.ID]
	if !ok || task.Version != version.Version {
		return UpdateVersionConflict, nil
	}
	now := m.now()
	task.Status = StatusSubmitted
	task.NextEventTime = nextEventTime
	task.StateTime = now
	task.TimeUpdated = now
	task.Version++
	return UpdateApplied, nil
}

// PrepareStuckOnProcessingTasksForResuming 实现 Store 接口。
func (m *MemoryStore) PrepareStuckOnProcessingTasksForResuming(_ context.Context, clientID string, maxStuckTime time.Time) ([]BaseTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	owned := make([]*Task, 0)
	for _, task := range m.tasks {
		if task.Status == StatusProcessing && task.ProcessingClientID == clientID {
			owned = append(owned, task)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].NextEventTime.Before(owned[j].NextEventTime)
	})

	resumed := make([]BaseTask, 0, len(owned))
	for _, task := range owned {
		task.Status = StatusSubmitted
		task.NextEventTime = maxStuckTime
		task.StateTime = now
		task.TimeUpdated = now
		task.Version++
		resumed = append(resumed, task.Base())
	}
	return resumed, nil
}

// FindTasks 实现 Store 接口。
func (m *MemoryStore) FindTasks(_ context.Context, filter Filter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Task, 0)
	for _, task := range m.tasks {
		if filter.matches(task) {
			results = append(results, cloneTask(task))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].TimeCreated.Equal(results[j].TimeCreated) {
			return results[i].ID.String() < results[j].ID.String()
		}
		return results[i].TimeCreated.Before(results[j].TimeCreated)
	})
	return results, nil
}

// DeleteTasks 实现 Store 接口。
func (m *MemoryStore) DeleteTasks(_ context.Context, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, task := range m.tasks {
		if filter.matches(task) {
			delete(m.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// Put 直接写入任务的完整状态，供测试构造处理中、已过期等场景。
func (m *MemoryStore) Put(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = cloneTask(task)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
