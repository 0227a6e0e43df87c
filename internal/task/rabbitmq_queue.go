package task

import (
	"context"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "TaskFlow-Engine/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 投递触发消息，任务类型作为 routing key 之外的消息头传递。
type RabbitMQQueue struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "taskflow.triggers"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue}, nil
}

// Publish 将触发消息投递到 RabbitMQ。amqp.Channel 不是并发安全的，投递需串行。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg TriggerMessage) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	payload, err := msg.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码触发消息失败")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, q.exchange, q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Task.VersionID().String(),
		Priority:     clampPriority(msg.Task.Priority),
		Timestamp:    msg.TriggeredAt,
		Headers: amqp.Table{
			"task_type":    msg.Task.Type,
			"task_version": strconv.FormatInt(msg.Task.Version, 10),
		},
		Body: payload,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布触发消息失败")
	}
	return nil
}

func clampPriority(priority int) uint8 {
	switch {
	case priority < 0:
		return 0
	case priority > 9:
		return 9
	default:
		return uint8(priority)
	}
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Producer = (*RabbitMQQueue)(nil)
