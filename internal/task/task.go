package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
)

// Status 表示任务在生命周期中的状态。
//
// NEW → WAITING → SUBMITTED → PROCESSING → DONE；PROCESSING 可能异常地进入
// ERROR（需要人工介入并触发告警）或 FAILED（已确认的失败，不再告警）。
type Status string

const (
	StatusNew        Status = "NEW"
	StatusWaiting    Status = "WAITING"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusFailed     Status = "FAILED"
)

// Statuses 按生命周期顺序列出全部状态。
func Statuses() []Status {
	return []Status{StatusNew, StatusWaiting, StatusSubmitted, StatusProcessing, StatusDone, StatusError, StatusFailed}
}

// Valid 检查状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusWaiting, StatusSubmitted, StatusProcessing, StatusDone, StatusError, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus 将字符串解析为状态，未知取值属于配置错误，绝不回退为默认值。
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid() {
		return "", xerrors.New(CodeTaskUnknownStatus, fmt.Sprintf("未知的任务状态 %q", raw))
	}
	return status, nil
}

// VersionID 唯一标识任务的某一个版本。
type VersionID struct {
	ID      uuid.UUID `json:"id"`
	Version int64     `json:"version"`
}

func (v VersionID) String() string {
	return fmt.Sprintf("%s-%d", v.ID, v.Version)
}

// BaseTask 是扫描结果与触发消息共用的任务投影。
type BaseTask struct {
	ID       uuid.UUID `json:"id"`
	Version  int64     `json:"version"`
	Type     string    `json:"type"`
	SubType  string    `json:"sub_type,omitempty"`
	Status   Status    `json:"status"`
	Priority int       `json:"priority"`
}

// VersionID 返回任务当前已知的版本标识。
func (t BaseTask) VersionID() VersionID {
	return VersionID{ID: t.ID, Version: t.Version}
}

// Task 描述了存储中的一条完整任务记录。
type Task struct {
	ID                   uuid.UUID  `json:"id"`
	Version              int64      `json:"version"`
	Type                 string     `json:"type"`
	SubType              string     `json:"sub_type,omitempty"`
	Status               Status     `json:"status"`
	Priority             int        `json:"priority"`
	Data                 []byte     `json:"data,omitempty"`
	NextEventTime        time.Time  `json:"next_event_time"`
	StateTime            time.Time  `json:"state_time"`
	ProcessingClientID   string     `json:"processing_client_id,omitempty"`
	ProcessingStartTime  *time.Time `json:"processing_start_time,omitempty"`
	ProcessingTriesCount int64      `json:"processing_tries_count"`
	TimeCreated          time.Time  `json:"time_created"`
	TimeUpdated          time.Time  `json:"time_updated"`
}

// Base 返回任务的投影。
func (t *Task) Base() BaseTask {
	return BaseTask{
		ID:       t.ID,
		Version:  t.Version,
		Type:     t.Type,
		SubType:  t.SubType,
		Status:   t.Status,
		Priority: t.Priority,
	}
}

// PageCursor 是按 (next_event_time, id) 排序的扫描位置，下一页从它之后开始。
type PageCursor struct {
	NextEventTime time.Time
	ID            uuid.UUID
}

// after 判断 (nextEventTime, id) 是否排在游标之后。
func (c *PageCursor) after(nextEventTime time.Time, id uuid.UUID) bool {
	if c == nil {
		return true
	}
	if !nextEventTime.Equal(c.NextEventTime) {
		return nextEventTime.After(c.NextEventTime)
	}
	return id.String() > c.ID.String()
}

// StuckTasksPage 是一次批量查询的结果，HasMore 表示还有满足条件的任务未返回，
// 此时 Next 指向本页最后一个任务。
type StuckTasksPage struct {
	Tasks   []BaseTask
	HasMore bool
	Next    PageCursor
}

// UpdateResult 是带版本条件的更新结果。版本不匹配不是错误，调用方需显式分支处理。
type UpdateResult int

const (
	UpdateApplied UpdateResult = iota
	UpdateVersionConflict
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateVersionConflict:
		return "version_conflict"
	default:
		return fmt.Sprintf("UpdateResult(%d)", int(r))
	}
}

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskAlreadyExists xerrors.Code = "TASK_ALREADY_EXISTS"
	CodeTaskUnknownStatus xerrors.Code = "TASK_UNKNOWN_STATUS"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskTrigger       xerrors.Code = "TASK_TRIGGER_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskAlreadyExists 表示相同 ID 的任务已经存在。
	ErrTaskAlreadyExists = xerrors.New(CodeTaskAlreadyExists, "task already exists")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskAlreadyExists, xerrors.Attributes{
		Message:  "task already exists",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskUnknownStatus, xerrors.Attributes{
		Message:  "unknown task status",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskTrigger, xerrors.Attributes{
		Message:   "failed to trigger task execution",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func cloneTask(t *Task) *Task {
	clone := *t
	if t.Data != nil {
		clone.Data = append([]byte(nil), t.Data...)
	}
	if t.ProcessingStartTime != nil {
		ts := *t.ProcessingStartTime
		clone.ProcessingStartTime = &ts
	}
	return &clone
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
