package telemetry

import (
	"context"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/pkg/kafka"
)

type batchPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []kafka.Message) error
	Close() error
}

// KafkaSink writes a batch to one topic keyed by symbol. Kafka writes are
// all-or-nothing per batch.
type KafkaSink struct {
	producer batchPublisher
	topic    string
}

func NewKafkaSink(p batchPublisher, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Send(ctx context.Context, batch []models.TelemetryEvent) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	msgs := make([]kafka.Message, len(batch))
	for i, ev := range batch {
		msgs[i] = kafka.Message{Key: []byte(ev.Symbol), Value: ev}
	}
	if err := s.producer.PublishBatch(ctx, s.topic, msgs); err != nil {
		return 0, &TelemetryError{Sink: "kafka", Kind: batch[0].Kind, Total: len(batch), Err: err}
	}
	return len(batch), nil
}

func (s *KafkaSink) Close() error { return s.producer.Close() }
