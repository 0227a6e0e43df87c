package resumer

import (
	"context"
	"log/slog"

	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/observability/metrics"
	"TaskFlow-Engine/internal/task"
	"TaskFlow-Engine/pkg/logger"
)

// ResumeWaitingTasks 执行一轮等待任务扫描：到期的 WAITING 任务一律改为 SUBMITTED 并触发执行，
// 不查询处理策略。分页、停止信号与错误处理与卡住任务扫描一致。
func (r *Resumer) ResumeWaitingTasks(ctx context.Context, stop StopSignal) (stats CycleStats) {
	started := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.cyclePanicked("waiting", rec, &stats)
		}
		r.meter.CycleCompleted("waiting", r.now().Sub(started), stats.Err != nil)
		r.logCycle("等待任务扫描结束", stats)
	}()

	var after *task.PageCursor
	for {
		page, err := r.store.GetWaitingTasks(ctx, r.cfg.BatchSize, after)
		if err != nil {
			stats.Err = err
			return stats
		}
		stats.Pages++

		for _, t := range page.Tasks {
			if stop.ShouldStop() {
				stats.Stopped = true
				return stats
			}
			res, err := r.promote(ctx, t)
			if err != nil {
				stats.Err = err
				return stats
			}
			stats.record(res)
		}

		if !page.HasMore {
			return stats
		}
		next := page.Next
		after = &next
	}
}

func (r *Resumer) promote(ctx context.Context, t task.BaseTask) (Resolution, error) {
	log := r.taskLogger(t)
	deadline := r.now().Add(r.cfg.TaskStuckTimeout)
	result, err := r.store.MarkAsSubmittedAndSetNextEventTime(ctx, t.VersionID(), deadline)
	if err != nil {
		return ResolutionNone, err
	}
	if result == task.UpdateVersionConflict {
		r.meter.VersionConflict("promote_waiting")
		log.Debug("等待任务已被其他节点修改，放弃本次提交")
		return ResolutionConflict, nil
	}

	submitted := t
	submitted.Version++
	submitted.Status = task.StatusSubmitted
	r.trigger(ctx, log, submitted)

	r.meter.TaskResolved(metrics.OutcomePromoted, t.Type, handler.DefaultBucket)
	logger.Audit().Info("提交到期的等待任务",
		slog.String("task_id", t.ID.String()),
		slog.Int64("task_version", submitted.Version),
		slog.String("task_type", t.Type),
	)
	return ResolutionResumed, nil
}
