package resumer

import (
	"context"
	"log/slog"

	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/observability/metrics"
)

// ResumeTasksForClient 恢复本节点重启前仍处于 PROCESSING 的任务，不需要领导权。
// 存储以版本为条件将这些任务改为 SUBMITTED 并返回新版本，随后逐个触发；
// 存储出错时仍触发已经准备好的任务。进入关闭流程后在下一个任务前停止。返回已触发的任务数。
func (r *Resumer) ResumeTasksForClient(ctx context.Context) (resumed int) {
	log := r.log.With(slog.String("client_id", r.cfg.ClientID))
	defer func() {
		if rec := recover(); rec != nil {
			stats := CycleStats{}
			r.cyclePanicked("client", rec, &stats)
		}
	}()

	log.Info("检查本节点是否有可立即恢复的任务")
	deadline := r.now().Add(r.cfg.TaskStuckTimeout)
	// 存储可能在逐条更新途中失败，已改为 SUBMITTED 的部分仍需触发。
	tasks, err := r.store.PrepareStuckOnProcessingTasksForResuming(ctx, r.cfg.ClientID, deadline)
	if err != nil {
		log.Error("准备恢复本节点任务失败", slog.Int("prepared", len(tasks)), slog.Any("error", err))
	}

	for _, t := range tasks {
		if r.shuttingDown.Load() {
			log.Info("进入关闭流程，停止恢复本节点任务", slog.Int("remaining", len(tasks)-resumed))
			break
		}
		taskLog := r.taskLogger(t)
		taskLog.Info("恢复本节点的任务")
		r.trigger(ctx, taskLog, t)
		r.meter.TaskResolved(metrics.OutcomeResumed, t.Type, handler.DefaultBucket)
		resumed++
	}
	if resumed > 0 {
		log.Info("本节点任务恢复完成", slog.Int("resumed", resumed))
	}
	return resumed
}

// WaitForClientResume 等待启动时的本节点任务恢复结束。
func (r *Resumer) WaitForClientResume(ctx context.Context) error {
	select {
	case <-r.clientDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
