// Package handler 定义任务处理器与处理策略的契约。恢复器只依赖这些接口，
// 策略如何计算由任务类型的实现方决定。
package handler

import (
	"fmt"
	"strings"
	"time"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/internal/task"
)

// StuckTaskResolutionStrategy 决定处于 PROCESSING 但疑似卡住的任务如何处理。
type StuckTaskResolutionStrategy string

const (
	StrategyRetry        StuckTaskResolutionStrategy = "RETRY"
	StrategyMarkAsError  StuckTaskResolutionStrategy = "MARK_AS_ERROR"
	StrategyMarkAsFailed StuckTaskResolutionStrategy = "MARK_AS_FAILED"
	StrategyIgnore       StuckTaskResolutionStrategy = "IGNORE"
)

// Valid 判断策略是否为支持的取值。
func (s StuckTaskResolutionStrategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategyMarkAsError, StrategyMarkAsFailed, StrategyIgnore:
		return true
	default:
		return false
	}
}

// ParseStrategy 解析配置中的策略名称，大小写不敏感。未知取值返回 UNSUPPORTED_OPERATION。
func ParseStrategy(raw string) (StuckTaskResolutionStrategy, error) {
	strategy := StuckTaskResolutionStrategy(strings.ToUpper(strings.TrimSpace(raw)))
	if !strategy.Valid() {
		return "", xerrors.New(xerrors.CodeUnsupportedOperation, fmt.Sprintf("不支持的卡住任务处理策略 %q", raw))
	}
	return strategy, nil
}

// ProcessingPolicy 描述某类任务的处理策略。
type ProcessingPolicy interface {
	// StuckTaskResolutionStrategy 返回空字符串表示策略未给出处理方式。
	StuckTaskResolutionStrategy(t task.BaseTask) StuckTaskResolutionStrategy
	// ExpectedQueueTime 返回任务重新提交后在队列中的预期等待时长，ok 为 false 时使用全局超时。
	ExpectedQueueTime(t task.BaseTask) (time.Duration, bool)
	// ProcessingBucket 返回任务所属的并发分组，空字符串表示默认分组。
	ProcessingBucket(t task.BaseTask) string
}

// Handler 是任务类型的处理器，恢复器只关心它提供的策略。
type Handler interface {
	ProcessingPolicy(t task.BaseTask) ProcessingPolicy
}

// Registry 按任务查找处理器，找不到时返回 nil。
type Registry interface {
	TaskHandler(t task.BaseTask) Handler
}

// DefaultBucket 是未指定分组时使用的名称。
const DefaultBucket = "default"

// BucketOf 返回策略给出的分组，策略为空或未给出分组时返回 DefaultBucket。
func BucketOf(policy ProcessingPolicy, t task.BaseTask) string {
	if policy == nil {
		return DefaultBucket
	}
	if bucket := policy.ProcessingBucket(t); bucket != "" {
		return bucket
	}
	return DefaultBucket
}
