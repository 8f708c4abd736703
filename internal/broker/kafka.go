package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/pkg/models"
)

// KafkaPublisher writes dead-letter events to the configured DLQ topic
// so operators can alert on them outside the pipeline itself.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	logger logger.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, log logger.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaPublisher{writer: w, topic: cfg.DLQTopic, logger: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.DeadLetterEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter event: %w", err)
	}

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic: p.topic,
			Key:   []byte(event.RecordID),
			Value: body,
			Time:  time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NewPublisher builds the configured publisher, falling back to a nop
// when broker type is empty or "none".
func NewPublisher(cfg config.BrokerConfig, log logger.Logger) (Publisher, error) {
	switch cfg.Type {
	case "", "none":
		return NopPublisher{}, nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.DLQTopic == "" {
			return nil, fmt.Errorf("kafka broker requires brokers and dlq_topic")
		}
		return NewKafkaPublisher(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
