package kafka

import (
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/pkg/logger"
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

// Event 领域事件，key 决定分区以保证同一实体的事件有序
type Event struct {
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	Payload    interface{} `json:"payload"`
	TraceID    string      `json:"traceId,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, evt *Event) error
	Close() error
}

// NewPublisher 未配置 broker 时返回空实现
func NewPublisher(cfg config.KafkaConfig) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		log.Warn("Kafka brokers not configured, domain events disabled")
		return NopPublisher{}, nil
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewSaramaPublisher(producer), nil
}

type saramaPublisher struct {
	producer sarama.SyncProducer
}

func NewSaramaPublisher(producer sarama.SyncProducer) Publisher {
	return &saramaPublisher{producer: producer}
}

func (s *saramaPublisher) Publish(ctx context.Context, topic string, evt *Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	if evt.TraceID == "" {
		evt.TraceID = logger.TraceID(ctx)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	})
	if err != nil {
		log.ErrorContext(ctx, "Kafka publish failed", "topic", topic, "type", evt.Type, "err", err)
		return err
	}
	log.DebugContext(ctx, "Kafka event published", "topic", topic, "type", evt.Type, "partition", partition, "offset", offset)
	return nil
}

func (s *saramaPublisher) Close() error {
	return s.producer.Close()
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, *Event) error { return nil }

func (NopPublisher) Close() error { return nil }
