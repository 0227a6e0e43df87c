package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/pkg/logger"
)

// DefaultPriority 是未指定优先级时使用的默认值。
const DefaultPriority = 5

// AddTaskRequest 描述新增任务的参数。
type AddTaskRequest struct {
	// TaskID 为空时自动生成。
	TaskID   uuid.UUID
	Type     string
	SubType  string
	Data     []byte
	Priority int
	// RunAfterTime 晚于当前时间时任务进入 WAITING，到期后由恢复器提交。
	RunAfterTime time.Time
}

// AddTaskResult 表示新增任务的结果。
type AddTaskResult string

const (
	AddTaskOK            AddTaskResult = "OK"
	AddTaskAlreadyExists AddTaskResult = "ALREADY_EXISTS"
)

// AddTaskResponse 是 AddTask 的返回值。
type AddTaskResponse struct {
	TaskID uuid.UUID
	Result AddTaskResult
}

// Service 负责任务的创建、查询与管理性清理。
type Service struct {
	store        Store
	triggerer    Triggerer
	stuckTimeout time.Duration
	now          func() time.Time
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithServiceClock 替换服务使用的时钟。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStuckTimeout 设置提交后任务被视为卡住的时长。
func WithStuckTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.stuckTimeout = timeout
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, triggerer Triggerer, opts ...ServiceOption) *Service {
	s := &Service{store: store, triggerer: triggerer, stuckTimeout: 30 * time.Minute, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddTask 创建新任务。立即执行的任务以 SUBMITTED 写入并触发，延迟执行的任务以 WAITING 写入。
func (s *Service) AddTask(ctx context.Context, req AddTaskRequest) (AddTaskResponse, error) {
	if strings.TrimSpace(req.Type) == "" {
		return AddTaskResponse{}, xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if s.store == nil || s.triggerer == nil {
		return AddTaskResponse{}, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := req.TaskID
	if id == uuid.Nil {
		id = uuid.New()
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	now := s.now()
	task := &Task{
		ID:          id,
		Type:        req.Type,
		SubType:     req.SubType,
		Data:        req.Data,
		Priority:    priority,
		Status:      StatusSubmitted,
		StateTime:   now,
		TimeCreated: now,
	}
	waiting := req.RunAfterTime.After(now)
	if waiting {
		task.Status = StatusWaiting
		task.NextEventTime = req.RunAfterTime
	} else {
		task.NextEventTime = now.Add(s.stuckTimeout)
	}

	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskAlreadyExists) {
			return AddTaskResponse{TaskID: id, Result: AddTaskAlreadyExists}, nil
		}
		return AddTaskResponse{}, err
	}

	logger.Audit().Info("任务已创建",
		slog.String("task_id", id.String()),
		slog.String("task_type", task.Type),
		slog.String("status", string(task.Status)),
	)
	if !waiting {
		if err := s.triggerer.Trigger(ctx, task.Base()); err != nil {
			// 任务已落库，触发失败时由恢复器在卡住超时后重新提交。
			logger.L().Warn("新任务触发失败", slog.String("task_id", id.String()), slog.Any("error", err))
		}
	}
	return AddTaskResponse{TaskID: id, Result: AddTaskOK}, nil
}

// GetTask 返回指定任务。
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// WaitUntilStatus 轮询任务直到其进入给定状态之一，或 ctx 结束。
func (s *Service) WaitUntilStatus(ctx context.Context, id uuid.UUID, interval time.Duration, statuses ...Status) (*Task, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusDone, StatusError, StatusFailed}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if containsStatus(statuses, task.Status) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待任务状态超时")
		case <-ticker.C:
		}
	}
}

// GetTasks 返回符合类型与状态条件的任务，空条件表示不过滤。
func (s *Service) GetTasks(ctx context.Context, taskType, subType string, statuses ...Status) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.FindTasks(ctx, Filter{Type: taskType, SubType: subType, Statuses: statuses})
}

// DeleteTasks 删除符合条件的任务并返回删除数量，供测试与运维清理使用。
func (s *Service) DeleteTasks(ctx context.Context, taskType, subType string, statuses ...Status) (int64, error) {
	if s.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	deleted, err := s.store.DeleteTasks(ctx, Filter{Type: taskType, SubType: subType, Statuses: statuses})
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("任务已删除",
		slog.String("task_type", taskType),
		slog.String("sub_type", subType),
		slog.Int64("deleted", deleted),
	)
	return deleted, nil
}

// Reset 删除全部任务。
func (s *Service) Reset(ctx context.Context) error {
	_, err := s.DeleteTasks(ctx, "", "")
	return err
}

// Close 释放存储资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
