package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/pkg/logger"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "TASKFLOW_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "taskflow.yaml")

// Config 描述了 taskflowd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       logger.Config   `json:"log" yaml:"log"`
	Tasks     TasksConfig     `json:"tasks" yaml:"tasks"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	Election  ElectionConfig  `json:"election" yaml:"election"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Handlers  []HandlerConfig `json:"handlers" yaml:"handlers"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// TasksConfig 控制恢复器的扫描行为，时长均以秒为单位。
type TasksConfig struct {
	GroupID                    string `json:"group_id" yaml:"group_id"`
	ClientID                   string `json:"client_id" yaml:"client_id"`
	BatchSize                  int    `json:"batch_size" yaml:"batch_size"`
	StuckTasksPollingSeconds   int    `json:"stuck_tasks_polling_interval_seconds" yaml:"stuck_tasks_polling_interval_seconds"`
	WaitingTasksPollingSeconds int    `json:"waiting_tasks_polling_interval_seconds" yaml:"waiting_tasks_polling_interval_seconds"`
	TaskStuckTimeoutSeconds    int    `json:"task_stuck_timeout_seconds" yaml:"task_stuck_timeout_seconds"`
	ShutdownWaitTimeoutSeconds int    `json:"shutdown_wait_timeout_seconds" yaml:"shutdown_wait_timeout_seconds"`
}

// StuckTasksPollingInterval 返回卡住任务扫描间隔。
func (c TasksConfig) StuckTasksPollingInterval() time.Duration {
	return seconds(c.StuckTasksPollingSeconds)
}

// WaitingTasksPollingInterval 返回等待任务扫描间隔。
func (c TasksConfig) WaitingTasksPollingInterval() time.Duration {
	return seconds(c.WaitingTasksPollingSeconds)
}

// TaskStuckTimeout 返回任务被视为卡住的默认时长。
func (c TasksConfig) TaskStuckTimeout() time.Duration {
	return seconds(c.TaskStuckTimeoutSeconds)
}

// ShutdownWaitTimeout 返回关闭时等待周期任务结束的上限。
func (c TasksConfig) ShutdownWaitTimeout() time.Duration {
	return seconds(c.ShutdownWaitTimeoutSeconds)
}

// StorageConfig 描述任务存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	AutoMigrate            bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// TaskQueueConfig 描述触发消息的投递方式。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Kafka    KafkaConfig    `json:"kafka" yaml:"kafka"`
}

// RedisConfig 是 Redis 连接参数，队列、选举与告警共用同一结构。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// Queue 为空时按任务类型拆分 list。
	Queue  string `json:"queue" yaml:"queue"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	Queue      string `json:"queue" yaml:"queue"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// KafkaConfig 描述 Kafka 连接参数。
type KafkaConfig struct {
	Brokers             string `json:"brokers" yaml:"brokers"`
	Topic               string `json:"topic" yaml:"topic"`
	TopicPrefix         string `json:"topic_prefix" yaml:"topic_prefix"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// WriteTimeout 返回单次写入的超时。
func (c KafkaConfig) WriteTimeout() time.Duration {
	return seconds(c.WriteTimeoutSeconds)
}

// ElectionConfig 描述领导者选举使用的协调服务。
type ElectionConfig struct {
	Driver                         string      `json:"driver" yaml:"driver"`
	Redis                          RedisConfig `json:"redis" yaml:"redis"`
	LeaseTTLSeconds                int         `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
	RetryIntervalSeconds           int         `json:"retry_interval_seconds" yaml:"retry_interval_seconds"`
	PreventStartWithoutCoordinator bool        `json:"prevent_start_without_coordinator" yaml:"prevent_start_without_coordinator"`
	ConnectAttempts                int         `json:"connect_attempts" yaml:"connect_attempts"`
}

// LeaseTTL 返回领导权租约时长。
func (c ElectionConfig) LeaseTTL() time.Duration {
	return seconds(c.LeaseTTLSeconds)
}

// RetryInterval 返回未获得领导权时的重试间隔。
func (c ElectionConfig) RetryInterval() time.Duration {
	return seconds(c.RetryIntervalSeconds)
}

// MetricsConfig 控制运维 HTTP 服务，地址为空时不启动。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 描述任务被标记为 ERROR 时的告警渠道，日志渠道始终开启。
type AlertingConfig struct {
	Redis        RedisConfig `json:"redis" yaml:"redis"`
	RedisChannel string      `json:"redis_channel" yaml:"redis_channel"`
	Email        EmailConfig `json:"email" yaml:"email"`
}

// EmailConfig 通过 Amazon SES 发送告警邮件，From 与 To 都不为空时启用。
type EmailConfig struct {
	Region        string   `json:"region" yaml:"region"`
	From          string   `json:"from" yaml:"from"`
	To            []string `json:"to" yaml:"to"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix"`
}

// Enabled 判断是否配置了邮件告警。
func (c EmailConfig) Enabled() bool {
	return c.From != "" && len(c.To) > 0
}

// HandlerConfig 为一种任务类型声明卡住时的处理策略。
type HandlerConfig struct {
	Type                     string `json:"type" yaml:"type"`
	SubType                  string `json:"sub_type" yaml:"sub_type"`
	StuckResolution          string `json:"stuck_resolution" yaml:"stuck_resolution"`
	ExpectedQueueTimeSeconds int    `json:"expected_queue_time_seconds" yaml:"expected_queue_time_seconds"`
	Bucket                   string `json:"bucket" yaml:"bucket"`
}

// ExpectedQueueTime 返回预期排队时长，0 表示使用全局卡住超时。
func (c HandlerConfig) ExpectedQueueTime() time.Duration {
	return seconds(c.ExpectedQueueTimeSeconds)
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时返回 DefaultPath。
func PathFromEnv() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容并补全默认值、校验取值。ext 为文件扩展名。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 YAML 配置失败")
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 JSON 配置失败")
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Tasks.GroupID == "" {
		c.Tasks.GroupID = "default"
	}
	if c.Tasks.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Tasks.ClientID = host
		}
	}
	if c.Tasks.BatchSize <= 0 {
		c.Tasks.BatchSize = 1000
	}
	if c.Tasks.StuckTasksPollingSeconds <= 0 {
		c.Tasks.StuckTasksPollingSeconds = 60
	}
	if c.Tasks.WaitingTasksPollingSeconds <= 0 {
		c.Tasks.WaitingTasksPollingSeconds = 5
	}
	if c.Tasks.TaskStuckTimeoutSeconds <= 0 {
		c.Tasks.TaskStuckTimeoutSeconds = 30 * 60
	}
	if c.Tasks.ShutdownWaitTimeoutSeconds <= 0 {
		c.Tasks.ShutdownWaitTimeoutSeconds = 60
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.Election.Driver == "" {
		c.Election.Driver = "memory"
	}
	if c.Election.LeaseTTLSeconds <= 0 {
		c.Election.LeaseTTLSeconds = 15
	}
	if c.Election.RetryIntervalSeconds <= 0 {
		c.Election.RetryIntervalSeconds = 5
	}
	if c.Election.ConnectAttempts <= 0 {
		c.Election.ConnectAttempts = 5
	}
	if c.Alerting.Email.SubjectPrefix == "" {
		c.Alerting.Email.SubjectPrefix = "[taskflow]"
	}
}

// Validate 检查驱动名称与处理策略，未知取值属于配置错误。
func (c *Config) Validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			return configError("storage.task_store.dsn 不能为空")
		}
	default:
		return configError(fmt.Sprintf("未知的任务存储驱动 %q", c.Storage.TaskStore.Driver))
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			return configError("task_queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			return configError("task_queue.rabbitmq.url 不能为空")
		}
	case "kafka":
		if c.TaskQueue.Kafka.Brokers == "" {
			return configError("task_queue.kafka.brokers 不能为空")
		}
	default:
		return configError(fmt.Sprintf("未知的任务队列驱动 %q", c.TaskQueue.Driver))
	}

	switch c.Election.Driver {
	case "memory":
	case "redis":
		if c.Election.Redis.Address == "" {
			return configError("election.redis.address 不能为空")
		}
	default:
		return configError(fmt.Sprintf("未知的选举驱动 %q", c.Election.Driver))
	}

	if c.Alerting.RedisChannel != "" && c.Alerting.Redis.Address == "" {
		return configError("alerting.redis.address 不能为空")
	}
	if c.Alerting.Email.Enabled() && c.Alerting.Email.Region == "" {
		return configError("alerting.email.region 不能为空")
	}

	for i, h := range c.Handlers {
		if h.Type == "" {
			return configError(fmt.Sprintf("handlers[%d].type 不能为空", i))
		}
		if _, err := handler.ParseStrategy(h.StuckResolution); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("handlers[%d] 的处理策略无效", i))
		}
	}
	return nil
}

func configError(msg string) error {
	return xerrors.New(xerrors.CodeConfiguration, msg)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
