// Package schedule 提供固定间隔的周期执行器，每个句柄同一时刻最多运行一次任务。
package schedule

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"TaskFlow-Engine/pkg/logger"
)

// TaskHandle 表示一个周期任务，可停止并等待当前执行结束。
type TaskHandle struct {
	name     string
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ScheduleAtFixedInterval 在 initialDelay 后运行 fn，此后每次运行结束再等待 interval。
// fn 中的 panic 会被记录，不会终止后续调度。
func ScheduleAtFixedInterval(name string, fn func(), initialDelay, interval time.Duration) *TaskHandle {
	if interval <= 0 {
		interval = time.Second
	}
	h := &TaskHandle{
		name:   name,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.loop(fn, initialDelay, interval)
	return h
}

func (h *TaskHandle) loop(fn func(), initialDelay, interval time.Duration) {
	defer close(h.doneCh)

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-timer.C:
		}
		// 停止与到期同时就绪时不再开始新一轮。
		select {
		case <-h.stopCh:
			return
		default:
		}
		h.run(fn)
		timer.Reset(interval)
	}
}

func (h *TaskHandle) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("周期任务发生 panic",
				slog.String("schedule", h.name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// Stop 请求停止调度，不会中断正在执行的任务。
func (h *TaskHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// WaitUntilStopped 等待当前执行结束，超时返回 false。
func (h *TaskHandle) WaitUntilStopped(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// HasStopped 判断调度循环是否已经退出。
func (h *TaskHandle) HasStopped() bool {
	select {
	case <-h.doneCh:
		return true
	default:
		return false
	}
}

// Name 返回调度名称。
func (h *TaskHandle) Name() string {
	return h.name
}
