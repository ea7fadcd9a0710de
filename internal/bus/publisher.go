package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaWriter abstracts kafka.Writer for tests.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes to any topic through a single writer.
type KafkaPublisher struct {
	writer kafkaWriter
}

// PublisherConfig configures the Kafka writer.
type PublisherConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// NewKafkaPublisher creates a synchronous writer that hashes keys to partitions
// and waits for all in-sync replicas.
func NewKafkaPublisher(cfg PublisherConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  false,
			WriteTimeout:           cfg.WriteTimeout,
		},
	}
}

// Publish writes one message to topic and waits for the broker to acknowledge
// it. Messages with the same key land on the same partition.
// Parameters:
//   - ctx: bounds the write.
//   - topic: destination topic.
//   - key: partitioning key, may be nil.
//   - value: message body.
//   - headers: optional record headers.
// Returns:
//   - error: non-nil if the write was not acknowledged.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
