package handler

import (
	"sync"
	"time"

	"TaskFlow-Engine/internal/task"
)

// StaticPolicy 是固定取值的处理策略，适用于由配置声明的任务类型。
type StaticPolicy struct {
	Strategy StuckTaskResolutionStrategy
	// QueueTime 为 0 表示未声明预期排队时长。
	QueueTime time.Duration
	Bucket    string
}

// StuckTaskResolutionStrategy 实现 ProcessingPolicy 接口。
func (p StaticPolicy) StuckTaskResolutionStrategy(task.BaseTask) StuckTaskResolutionStrategy {
	return p.Strategy
}

// ExpectedQueueTime 实现 ProcessingPolicy 接口。
func (p StaticPolicy) ExpectedQueueTime(task.BaseTask) (time.Duration, bool) {
	return p.QueueTime, p.QueueTime > 0
}

// ProcessingBucket 实现 ProcessingPolicy 接口。
func (p StaticPolicy) ProcessingBucket(task.BaseTask) string {
	return p.Bucket
}

// PolicyHandler 返回同一个策略。Policy 为 nil 时处理器存在但不提供策略。
type PolicyHandler struct {
	Policy ProcessingPolicy
}

// ProcessingPolicy 实现 Handler 接口。
func (h PolicyHandler) ProcessingPolicy(task.BaseTask) ProcessingPolicy {
	return h.Policy
}

// SimpleRegistry 按任务类型与子类型注册处理器，子类型精确匹配优先于仅按类型匹配。
type SimpleRegistry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
}

type registryKey struct {
	taskType string
	subType  string
}

// NewSimpleRegistry 创建空的注册表。
func NewSimpleRegistry() *SimpleRegistry {
	return &SimpleRegistry{handlers: make(map[registryKey]Handler)}
}

// Register 注册处理器，subType 为空表示匹配该类型的全部子类型。
func (r *SimpleRegistry) Register(taskType, subType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey{taskType: taskType, subType: subType}] = h
}

// TaskHandler 实现 Registry 接口。
func (r *SimpleRegistry) TaskHandler(t task.BaseTask) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t.SubType != "" {
		if h, ok := r.handlers[registryKey{taskType: t.Type, subType: t.SubType}]; ok {
			return h
		}
	}
	return r.handlers[registryKey{taskType: t.Type}]
}

var _ Registry = (*SimpleRegistry)(nil)
