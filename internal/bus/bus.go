// Package bus wraps Kafka publishing and consumer-group dispatch.
package bus

import (
	"context"
	"time"
)

// Message is a bus record as seen by handlers.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Handler processes one message. Returning nil marks the message done and its
// offset is committed. Returning an error asks for the same message to be
// retried after a backoff.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends a record to a topic. Records with the same key land on the
// same partition.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}
