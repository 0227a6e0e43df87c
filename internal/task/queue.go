package task

import (
	"context"
	"encoding/json"
	"time"

	xerrors "TaskFlow-Engine/internal/errors"
)

// TriggerMessage 是投递给执行子系统的触发消息，Version 必须是任务在存储中的当前版本。
type TriggerMessage struct {
	Task        BaseTask  `json:"task"`
	GroupID     string    `json:"group_id,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Encode 将消息编码为 JSON。
func (m TriggerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTriggerMessage 解析 JSON 编码的触发消息。
func DecodeTriggerMessage(payload []byte) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return TriggerMessage{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析触发消息失败")
	}
	if _, err := ParseStatus(string(msg.Task.Status)); err != nil {
		return TriggerMessage{}, err
	}
	return msg, nil
}

// Producer 负责向队列投递触发消息。
type Producer interface {
	Publish(ctx context.Context, msg TriggerMessage) error
	Close() error
}

// Triggerer 将任务交给执行子系统，调用方不等待执行结果。
type Triggerer interface {
	Trigger(ctx context.Context, task BaseTask) error
}

// QueueTriggerer 通过消息队列实现 Triggerer。
type QueueTriggerer struct {
	producer Producer
	groupID  string
	now      func() time.Time
}

// NewQueueTriggerer 构造 QueueTriggerer。
func NewQueueTriggerer(producer Producer, groupID string) *QueueTriggerer {
	return &QueueTriggerer{producer: producer, groupID: groupID, now: time.Now}
}

// Trigger 实现 Triggerer 接口。
func (t *QueueTriggerer) Trigger(ctx context.Context, task BaseTask) error {
	if t == nil || t.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务触发器未初始化")
	}
	msg := TriggerMessage{Task: task, GroupID: t.groupID, TriggeredAt: t.now().UTC()}
	if err := t.producer.Publish(ctx, msg); err != nil {
		return xerrors.Wrap(CodeTaskTrigger, err, "投递任务 "+task.VersionID().String()+" 失败")
	}
	return nil
}

var _ Triggerer = (*QueueTriggerer)(nil)
