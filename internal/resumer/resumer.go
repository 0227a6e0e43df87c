// Package resumer 发现并恢复卡住或到期的任务。
//
// 集群内只有赢得选举的节点周期性扫描共享存储：卡住的任务按处理策略重新提交、
// 标记为 ERROR/FAILED 或忽略，到期的 WAITING 任务直接提交。每个节点启动时还会
// 无条件恢复自己重启前正在处理的任务。所有存储修改都以任务版本为前提条件。
package resumer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/leader"
	"TaskFlow-Engine/internal/observability/alerting"
	"TaskFlow-Engine/internal/observability/metrics"
	"TaskFlow-Engine/internal/schedule"
	"TaskFlow-Engine/internal/task"
	"TaskFlow-Engine/pkg/logger"
)

// CodeTaskMarkedAsError 标识被恢复器标记为 ERROR 的任务，需要人工介入。
const CodeTaskMarkedAsError xerrors.Code = "TASK_MARKED_AS_ERROR"

func init() {
	xerrors.Register(CodeTaskMarkedAsError, xerrors.Attributes{
		Message:  "stuck task marked as ERROR",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Store 是恢复器依赖的任务存储能力。
type Store interface {
	GetStuckTasks(ctx context.Context, batchSize int, after *task.PageCursor, statuses ...task.Status) (task.StuckTasksPage, error)
	GetWaitingTasks(ctx context.Context, batchSize int, after *task.PageCursor) (task.StuckTasksPage, error)
	SetStatus(ctx context.Context, id uuid.UUID, status task.Status, expectedVersion int64) (task.UpdateResult, error)
	MarkAsSubmittedAndSetNextEventTime(ctx context.Context, version task.VersionID, nextEventTime time.Time) (task.UpdateResult, error)
	PrepareStuckOnProcessingTasksForResuming(ctx context.Context, clientID string, maxStuckTime time.Time) ([]task.BaseTask, error)
}

// StopSignal 是扫描循环在处理每个任务前检查的协作式停止信号。
type StopSignal interface {
	ShouldStop() bool
}

// Config 描述恢复器的运行参数。
type Config struct {
	GroupID  string
	ClientID string

	BatchSize                   int
	StuckTasksPollingInterval   time.Duration
	WaitingTasksPollingInterval time.Duration
	// TaskStuckTimeout 是策略未给出预期排队时长时，重新提交的任务被再次视为卡住前的时长。
	TaskStuckTimeout    time.Duration
	ShutdownWaitTimeout time.Duration

	PreventStartWithoutCoordinator bool
	CoordinatorConnectAttempts     int
	LeaseTTL                       time.Duration
	ElectionRetryInterval          time.Duration
}

func (c *Config) applyDefaults() {
	if c.GroupID == "" {
		c.GroupID = "default"
	}
	if c.ClientID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.ClientID = host
		} else {
			c.ClientID = uuid.NewString()
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.StuckTasksPollingInterval <= 0 {
		c.StuckTasksPollingInterval = time.Minute
	}
	if c.WaitingTasksPollingInterval <= 0 {
		c.WaitingTasksPollingInterval = 5 * time.Second
	}
	if c.TaskStuckTimeout <= 0 {
		c.TaskStuckTimeout = 30 * time.Minute
	}
	if c.ShutdownWaitTimeout <= 0 {
		c.ShutdownWaitTimeout = time.Minute
	}
	if c.CoordinatorConnectAttempts <= 0 {
		c.CoordinatorConnectAttempts = 5
	}
}

// Resumer 负责卡住任务与等待任务的恢复。
type Resumer struct {
	cfg       Config
	store     Store
	registry  handler.Registry
	triggerer task.Triggerer
	lock      leader.Lock
	meter     metrics.Meter
	alerts    alerting.Dispatcher
	now       func() time.Time
	log       *slog.Logger

	selector     *leader.Selector
	paused       atomic.Bool
	shuttingDown atomic.Bool
	clientDone   chan struct{}
}

// Option 定义 Resumer 的可选配置。
type Option func(*Resumer)

// WithMeter 设置指标输出。
func WithMeter(meter metrics.Meter) Option {
	return func(r *Resumer) {
		if meter != nil {
			r.meter = meter
		}
	}
}

// WithAlerts 设置任务被标记为 ERROR 时的告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(r *Resumer) {
		if alerts != nil {
			r.alerts = alerts
		}
	}
}

// WithClock 替换恢复器使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(r *Resumer) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建恢复器。
func New(cfg Config, store Store, registry handler.Registry, triggerer task.Triggerer, lock leader.Lock, opts ...Option) (*Resumer, error) {
	if store == nil || registry == nil || triggerer == nil || lock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "恢复器依赖未初始化")
	}
	cfg.applyDefaults()
	r := &Resumer{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		triggerer:  triggerer,
		lock:       lock,
		meter:      metrics.NopMeter{},
		alerts:     alerting.NewFanout(alerting.LogNotifier{}),
		now:        time.Now,
		log:        logger.Named("resumer").With(slog.String("group_id", cfg.GroupID)),
		clientDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.selector = leader.NewSelector(lock, r.NodePath(), r.lead,
		leader.WithOwner(cfg.ClientID),
		leader.WithLeaseTTL(cfg.LeaseTTL),
		leader.WithRetryInterval(cfg.ElectionRetryInterval),
		leader.WithStateListener(func(state leader.State) {
			r.meter.LeadershipChanged(r.cfg.GroupID, state == leader.StateLeader)
		}),
	)
	return r, nil
}

// NodePath 返回本组恢复器领导权使用的 key。
func (r *Resumer) NodePath() string {
	return "/" + r.cfg.GroupID + "/tasks_resumer"
}

// Config 返回补全默认值后的配置。
func (r *Resumer) Config() Config {
	return r.cfg
}

// OnStart 检查协调服务、启动本节点任务恢复并开始参与选举。
// 只有在 PreventStartWithoutCoordinator 开启且 ctx 结束前仍不可达时返回错误。
func (r *Resumer) OnStart(ctx context.Context) error {
	err := leader.WaitForCoordinator(ctx, r.lock, leader.CoordinatorCheck{
		Block:    r.cfg.PreventStartWithoutCoordinator,
		Attempts: r.cfg.CoordinatorConnectAttempts,
	})
	if err != nil {
		if r.cfg.PreventStartWithoutCoordinator {
			return err
		}
		r.log.Error("协调服务不可达，恢复器将在后台继续尝试选举", slog.Any("error", err))
	}

	go func() {
		defer close(r.clientDone)
		r.ResumeTasksForClient(context.WithoutCancel(ctx))
	}()
	r.selector.Start()
	return nil
}

// PrepareForShutdown 请求协作式停止：本节点任务恢复在下一个任务前退出，选举器放弃领导权。
func (r *Resumer) PrepareForShutdown() {
	r.shuttingDown.Store(true)
	r.selector.Stop()
}

// CanShutdown 在选举器完全退出、领导权释放后返回 true。
func (r *Resumer) CanShutdown() bool {
	return r.selector.HasStopped()
}

// Pause 暂停等待任务的提交，卡住任务的处理不受影响。
func (r *Resumer) Pause() {
	r.paused.Store(true)
}

// Resume 恢复等待任务的提交。
func (r *Resumer) Resume() {
	r.paused.Store(false)
}

// Paused 返回等待任务提交是否处于暂停状态。
func (r *Resumer) Paused() bool {
	return r.paused.Load()
}

// IsLeader 判断本节点当前是否持有领导权。
func (r *Resumer) IsLeader() bool {
	return r.selector.State() == leader.StateLeader
}

// lead 在成为领导者后启动两个周期扫描，失去领导权时停止并有限等待其结束。
func (r *Resumer) lead(ctrl leader.Control) {
	ctx := context.Background()
	var stuckHandle, waitingHandle *schedule.TaskHandle

	ctrl.WorkAsyncUntilShouldStop(
		func() {
			stuckInterval := r.cfg.StuckTasksPollingInterval
			stuckHandle = schedule.ScheduleAtFixedInterval("stuck-tasks", func() {
				r.ResumeStuckTasks(ctx, ctrl)
			}, stuckInterval, stuckInterval)
			r.log.Info("开始周期性恢复卡住的任务", slog.Duration("interval", stuckInterval))

			waitingInterval := r.cfg.WaitingTasksPollingInterval
			waitingHandle = schedule.ScheduleAtFixedInterval("waiting-tasks", func() {
				if r.paused.Load() {
					return
				}
				r.ResumeWaitingTasks(ctx, ctrl)
			}, waitingInterval, waitingInterval)
			r.log.Info("开始周期性提交到期的等待任务", slog.Duration("interval", waitingInterval))
		},
		func() {
			r.log.Info("停止恢复器周期任务")
			for _, h := range []*schedule.TaskHandle{stuckHandle, waitingHandle} {
				if h != nil {
					h.Stop()
				}
			}
			for _, h := range []*schedule.TaskHandle{stuckHandle, waitingHandle} {
				if h == nil {
					continue
				}
				if !h.WaitUntilStopped(r.cfg.ShutdownWaitTimeout) {
					r.log.Warn("等待周期任务结束超时", slog.String("schedule", h.Name()), slog.Duration("timeout", r.cfg.ShutdownWaitTimeout))
					continue
				}
				r.log.Info("周期任务已停止", slog.String("schedule", h.Name()))
			}
		},
	)
}

// taskLogger 返回带有任务上下文的日志器。
func (r *Resumer) taskLogger(t task.BaseTask) *slog.Logger {
	return r.log.With(
		slog.String("task_id", t.ID.String()),
		slog.Int64("task_version", t.Version),
		slog.String("task_type", t.Type),
		slog.String("task_status", string(t.Status)),
	)
}

func (r *Resumer) cyclePanicked(loop string, rec any, stats *CycleStats) {
	stats.Err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic: %v", rec))
	r.log.Error("扫描周期发生 panic",
		slog.String("loop", loop),
		slog.String("panic", fmt.Sprint(rec)),
		slog.String("stack", string(debug.Stack())),
	)
}
