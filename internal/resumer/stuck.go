package resumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/observability/alerting"
	"TaskFlow-Engine/internal/observability/metrics"
	"TaskFlow-Engine/internal/task"
	"TaskFlow-Engine/pkg/logger"
)

var stuckStatuses = []task.Status{task.StatusNew, task.StatusSubmitted, task.StatusProcessing}

// ResumeStuckTasks 执行一轮卡住任务扫描：逐页获取 next_event_time 已过期的 NEW、SUBMITTED、
// PROCESSING 任务并逐个处理，直到没有更多页或收到停止信号。存储错误与 panic 会中止本轮，
// 仅记录日志，下一次调度重新开始。
func (r *Resumer) ResumeStuckTasks(ctx context.Context, stop StopSignal) (stats CycleStats) {
	started := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.cyclePanicked("stuck", rec, &stats)
		}
		r.meter.CycleCompleted("stuck", r.now().Sub(started), stats.Err != nil)
		r.logCycle("卡住任务扫描结束", stats)
	}()

	var after *task.PageCursor
	for {
		page, err := r.store.GetStuckTasks(ctx, r.cfg.BatchSize, after, stuckStatuses...)
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
			res, err := r.HandleStuckTask(ctx, t)
			if err != nil {
				if !xerrors.HasCode(err, xerrors.CodeUnsupportedOperation) {
					stats.Err = err
					return stats
				}
				stats.Unresolved++
				r.taskLogger(t).Log(ctx, severityLevel(err), "无法处理卡住的任务", slog.Any("error", err))
				continue
			}
			stats.record(res)
		}

		if !page.HasMore {
			return stats
		}
		// 被忽略或无法处理的任务保持原有 next_event_time，下一页必须从游标之后开始。
		next := page.Next
		after = &next
	}
}

// HandleStuckTask 按任务状态与处理策略决定如何处理一个卡住的任务。
//
// 非 PROCESSING 的任务总是重新提交；PROCESSING 任务无法确定策略时标记为 ERROR；
// 否则按策略重新提交、标记 ERROR、标记 FAILED 或忽略。不受支持的策略返回
// UNSUPPORTED_OPERATION 错误，存储错误原样返回。
func (r *Resumer) HandleStuckTask(ctx context.Context, t task.BaseTask) (Resolution, error) {
	log := r.taskLogger(t)

	var (
		policy   handler.ProcessingPolicy
		strategy handler.StuckTaskResolutionStrategy
	)
	if h := r.registry.TaskHandler(t); h == nil {
		log.Error("未找到任务处理器")
		r.meter.ResolutionFailed(t.Type, "no_handler")
	} else if policy = h.ProcessingPolicy(t); policy == nil {
		log.Error("未找到任务处理策略")
		r.meter.ResolutionFailed(t.Type, "no_policy")
	} else {
		strategy = policy.StuckTaskResolutionStrategy(t)
	}
	bucket := handler.BucketOf(policy, t)

	if t.Status != task.StatusProcessing {
		return r.retry(ctx, log, t, policy, bucket)
	}
	if strategy == "" {
		return r.markAsError(ctx, log, t, bucket, "no_policy")
	}

	switch strategy {
	case handler.StrategyRetry:
		return r.retry(ctx, log, t, policy, bucket)
	case handler.StrategyMarkAsError:
		return r.markAsError(ctx, log, t, bucket, "policy")
	case handler.StrategyMarkAsFailed:
		return r.markAsFailed(ctx, log, t, bucket)
	case handler.StrategyIgnore:
		r.meter.TaskResolved(metrics.OutcomeIgnored, t.Type, bucket)
		log.Debug("按策略忽略卡住的任务")
		return ResolutionIgnored, nil
	default:
		r.meter.ResolutionFailed(t.Type, "unsupported_strategy")
		// 只影响这一个任务，扫描继续。
		return ResolutionNone, xerrors.New(xerrors.CodeUnsupportedOperation,
			fmt.Sprintf("不支持的卡住任务处理策略 %q", string(strategy)),
			xerrors.WithMetadata("task_id", t.ID.String()),
			xerrors.WithMetadata("task_type", t.Type),
			xerrors.WithSeverity(xerrors.SeverityWarning),
			xerrors.WithRetryable(false),
		)
	}
}

// retry 将任务改为 SUBMITTED 并推迟下一次检查时间，成功后以新版本触发执行。
func (r *Resumer) retry(ctx context.Context, log *slog.Logger, t task.BaseTask, policy handler.ProcessingPolicy, bucket string) (Resolution, error) {
	deadline := r.now().Add(r.maxStuckTime(policy, t))
	result, err := r.store.MarkAsSubmittedAndSetNextEventTime(ctx, t.VersionID(), deadline)
	if err != nil {
		return ResolutionNone, err
	}
	if result == task.UpdateVersionConflict {
		r.meter.VersionConflict("mark_as_submitted")
		log.Debug("任务已被其他节点修改，放弃本次重新提交")
		return ResolutionConflict, nil
	}

	resumed := t
	resumed.Version++
	resumed.Status = task.StatusSubmitted
	r.trigger(ctx, log, resumed)

	r.meter.TaskResolved(metrics.OutcomeResumed, t.Type, bucket)
	logger.Audit().Info("重新提交卡住的任务",
		slog.String("task_id", t.ID.String()),
		slog.Int64("task_version", resumed.Version),
		slog.String("task_type", t.Type),
		slog.String("previous_status", string(t.Status)),
		slog.Time("next_event_time", deadline),
	)
	return ResolutionResumed, nil
}

func (r *Resumer) markAsError(ctx context.Context, log *slog.Logger, t task.BaseTask, bucket, reason string) (Resolution, error) {
	log.Error("将任务标记为 ERROR，无法确认它是否仍在其他节点处理", slog.String("reason", reason))
	result, err := r.store.SetStatus(ctx, t.ID, task.StatusError, t.Version)
	if err != nil {
		return ResolutionNone, err
	}
	if result == task.UpdateVersionConflict {
		r.meter.VersionConflict("set_status")
		log.Debug("任务已被其他节点修改，放弃标记为 ERROR")
		return ResolutionConflict, nil
	}

	r.meter.TaskResolved(metrics.OutcomeMarkedError, t.Type, bucket)
	logger.Audit().Warn("卡住的任务被标记为 ERROR",
		slog.String("task_id", t.ID.String()),
		slog.Int64("task_version", t.Version+1),
		slog.String("task_type", t.Type),
		slog.String("reason", reason),
	)
	event := alerting.Event{
		Code:        CodeTaskMarkedAsError,
		Message:     "stuck task marked as ERROR",
		Severity:    xerrors.AttributesOf(CodeTaskMarkedAsError).Severity,
		TaskID:      t.ID.String(),
		TaskType:    t.Type,
		TaskVersion: t.Version + 1,
		Metadata:    map[string]string{"bucket": bucket, "reason": reason, "group_id": r.cfg.GroupID},
		OccurredAt:  r.now().UTC(),
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		log.Warn("发送告警失败", slog.Any("error", err))
	}
	return ResolutionMarkedError, nil
}

func (r *Resumer) markAsFailed(ctx context.Context, log *slog.Logger, t task.BaseTask, bucket string) (Resolution, error) {
	result, err := r.store.SetStatus(ctx, t.ID, task.StatusFailed, t.Version)
	if err != nil {
		return ResolutionNone, err
	}
	if result == task.UpdateVersionConflict {
		r.meter.VersionConflict("set_status")
		log.Debug("任务已被其他节点修改，放弃标记为 FAILED")
		return ResolutionConflict, nil
	}

	r.meter.TaskResolved(metrics.OutcomeMarkedFailed, t.Type, bucket)
	logger.Audit().Info("卡住的任务被标记为 FAILED",
		slog.String("task_id", t.ID.String()),
		slog.Int64("task_version", t.Version+1),
		slog.String("task_type", t.Type),
	)
	return ResolutionMarkedFailed, nil
}

// maxStuckTime 优先使用策略给出的预期排队时长。
func (r *Resumer) maxStuckTime(policy handler.ProcessingPolicy, t task.BaseTask) time.Duration {
	if policy != nil {
		if d, ok := policy.ExpectedQueueTime(t); ok && d > 0 {
			return d
		}
	}
	return r.cfg.TaskStuckTimeout
}

// trigger 交给执行子系统。任务已在存储中提交，触发失败时等卡住超时后由下一轮扫描重新提交。
func (r *Resumer) trigger(ctx context.Context, log *slog.Logger, t task.BaseTask) {
	if err := r.triggerer.Trigger(ctx, t); err != nil {
		r.meter.TriggerFailed(t.Type)
		log.Warn("触发任务执行失败", slog.Int64("submitted_version", t.Version), slog.Any("error", err))
	}
}

func (r *Resumer) logCycle(msg string, stats CycleStats) {
	if stats.Err != nil {
		r.log.Log(context.Background(), severityLevel(stats.Err), msg, append(stats.attrs(),
			slog.Any("error", stats.Err),
			slog.Bool("retryable", xerrors.RetryableError(stats.Err)),
		)...)
		return
	}
	if stats.Handled() == 0 {
		r.log.Debug(msg, stats.attrs()...)
		return
	}
	r.log.Info(msg, stats.attrs()...)
}

// severityLevel 将错误的严重程度映射为日志级别，未归类的错误按 critical 处理。
func severityLevel(err error) slog.Level {
	switch xerrors.SeverityOf(err) {
	case xerrors.SeverityInfo:
		return slog.LevelInfo
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
