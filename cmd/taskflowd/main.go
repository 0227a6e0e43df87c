package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"TaskFlow-Engine/internal/api"
	"TaskFlow-Engine/internal/config"
	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/leader"
	"TaskFlow-Engine/internal/observability/alerting"
	"TaskFlow-Engine/internal/observability/metrics"
	"TaskFlow-Engine/internal/resumer"
	"TaskFlow-Engine/internal/task"
	"TaskFlow-Engine/pkg/logger"
)

// main 是 taskflowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("taskflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 只在本地开发时存在。
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("taskflowd")

	store, err := openStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	defer store.Close()

	producer, err := openProducer(ctx, cfg.TaskQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			appLog.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	lock, closeLock, err := openLock(cfg.Election)
	if err != nil {
		return err
	}
	defer closeLock()

	alerts, closeAlerts, err := buildAlerts(ctx, cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	triggerer := task.NewQueueTriggerer(producer, cfg.Tasks.GroupID)
	meter := metrics.NewPrometheusMeter()
	r, err := resumer.New(resumer.Config{
		GroupID:                        cfg.Tasks.GroupID,
		ClientID:                       cfg.Tasks.ClientID,
		BatchSize:                      cfg.Tasks.BatchSize,
		StuckTasksPollingInterval:      cfg.Tasks.StuckTasksPollingInterval(),
		WaitingTasksPollingInterval:    cfg.Tasks.WaitingTasksPollingInterval(),
		TaskStuckTimeout:               cfg.Tasks.TaskStuckTimeout(),
		ShutdownWaitTimeout:            cfg.Tasks.ShutdownWaitTimeout(),
		PreventStartWithoutCoordinator: cfg.Election.PreventStartWithoutCoordinator,
		CoordinatorConnectAttempts:     cfg.Election.ConnectAttempts,
		LeaseTTL:                       cfg.Election.LeaseTTL(),
		ElectionRetryInterval:          cfg.Election.RetryInterval(),
	},
		store,
		buildRegistry(cfg.Handlers),
		triggerer,
		lock,
		resumer.WithMeter(meter),
		resumer.WithAlerts(alerts),
	)
	if err != nil {
		return err
	}
	if err := r.OnStart(ctx); err != nil {
		return err
	}
	appLog.Info("taskflowd 已启动",
		slog.String("node_path", r.NodePath()),
		slog.String("client_id", r.Config().ClientID),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("election", cfg.Election.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	if queue, ok := producer.(*task.MemoryQueue); ok {
		g.Go(func() error {
			drainMemoryQueue(gctx, queue, appLog)
			return nil
		})
	}
	if cfg.Metrics.Address != "" {
		router := metrics.NewRouter(meter.Handler(), func() map[string]any {
			return map[string]any{
				"group_id": cfg.Tasks.GroupID,
				"leader":   r.IsLeader(),
				"paused":   r.Paused(),
			}
		})
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Metrics.Address, router)
		})
	}
	service := task.NewService(store, triggerer, task.WithStuckTimeout(cfg.Tasks.TaskStuckTimeout()))
	server := api.NewServer(cfg.Server.Address, service, r)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(r, cfg.Tasks.ShutdownWaitTimeout(), appLog)
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
			AutoMigrate:     cfg.AutoMigrate,
		})
	default:
		return task.NewMemoryStore(), nil
	}
}

func openProducer(ctx context.Context, cfg config.TaskQueueConfig) (task.Producer, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
			Prefix:   cfg.Redis.Prefix,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	case "kafka":
		return task.NewKafkaQueue(task.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			WriteTimeout: cfg.Kafka.WriteTimeout(),
		})
	default:
		return task.NewMemoryQueue(cfg.Buffer), nil
	}
}

func openLock(cfg config.ElectionConfig) (leader.Lock, func(), error) {
	if cfg.Driver != "redis" {
		return leader.NewMemoryLock(), func() {}, nil
	}
	lock, err := leader.NewRedisLock(leader.RedisLockConfig{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return lock, func() { _ = lock.Close() }, nil
}

// buildRegistry 将配置中声明的策略注册为处理器，策略取值已在加载配置时校验。
func buildRegistry(handlers []config.HandlerConfig) *handler.SimpleRegistry {
	registry := handler.NewSimpleRegistry()
	for _, h := range handlers {
		strategy, err := handler.ParseStrategy(h.StuckResolution)
		if err != nil {
			continue
		}
		registry.Register(h.Type, h.SubType, handler.PolicyHandler{Policy: handler.StaticPolicy{
			Strategy:  strategy,
			QueueTime: h.ExpectedQueueTime(),
			Bucket:    h.Bucket,
		}})
	}
	return registry
}

func buildAlerts(ctx context.Context, cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	closeFn := func() {}

	if cfg.RedisChannel != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notifiers = append(notifiers, &alerting.RedisNotifier{Client: client, ChannelName: cfg.RedisChannel})
		closeFn = func() { _ = client.Close() }
	}
	if cfg.Email.Enabled() {
		sender, err := alerting.NewSESSender(ctx, cfg.Email.Region, cfg.Email.From)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        sender,
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.SubjectPrefix,
		})
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}

// drainMemoryQueue 在单进程部署中代替执行子系统消费触发消息。
func drainMemoryQueue(ctx context.Context, queue *task.MemoryQueue, appLog *slog.Logger) {
	for {
		msg, err := queue.Receive(ctx)
		if err != nil {
			return
		}
		appLog.Info("收到任务触发消息",
			slog.String("task_id", msg.Task.ID.String()),
			slog.Int64("task_version", msg.Task.Version),
			slog.String("task_type", msg.Task.Type),
		)
	}
}

// shutdown 放弃领导权并有限等待周期任务结束。
func shutdown(r *resumer.Resumer, wait time.Duration, appLog *slog.Logger) {
	appLog.Info("开始关闭 taskflowd")
	r.PrepareForShutdown()

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !r.CanShutdown() {
		if time.Now().After(deadline) {
			appLog.Warn("等待恢复器停止超时", slog.Duration("timeout", wait))
			return
		}
		<-ticker.C
	}
	appLog.Info("恢复器已停止")
}
