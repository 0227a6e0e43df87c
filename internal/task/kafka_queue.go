package task

import (
	"context"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	xerrors "TaskFlow-Engine/internal/errors"
)

// KafkaConfig 描述 Kafka 触发队列的参数。
type KafkaConfig struct {
	// Brokers 为逗号分隔的地址列表。
	Brokers string
	// Topic 为空时按任务类型分 topic：<prefix>.<type>。
	Topic        string
	TopicPrefix  string
	WriteTimeout time.Duration
}

// KafkaQueue 使用 Kafka 投递触发消息，以任务 ID 作为 key 保证同一任务的消息有序。
type KafkaQueue struct {
	writer  *kafka.Writer
	topic   string
	prefix  string
	timeout time.Duration
}

// NewKafkaQueue 创建 Kafka 队列实例。
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	brokers := splitCSV(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Kafka brokers 不能为空")
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "taskflow.triggers"
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaQueue{writer: writer, topic: cfg.Topic, prefix: prefix, timeout: timeout}, nil
}

// Publish 将触发消息写入 Kafka。
func (q *KafkaQueue) Publish(ctx context.Context, msg TriggerMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码触发消息失败")
	}
	writeCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	err = q.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: q.topicFor(msg.Task),
		Key:   []byte(msg.Task.ID.String()),
		Value: payload,
		Time:  msg.TriggeredAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Kafka 发布触发消息失败")
	}
	return nil
}

func (q *KafkaQueue) topicFor(task BaseTask) string {
	if q.topic != "" {
		return q.topic
	}
	return q.prefix + "." + task.Type
}

// Close 关闭 Kafka writer。
func (q *KafkaQueue) Close() error {
	if q == nil || q.writer == nil {
		return nil
	}
	return q.writer.Close()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ Producer = (*KafkaQueue)(nil)
