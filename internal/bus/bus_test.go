package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/surveyflow/internal/logger"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func newTestConsumer(t *testing.T, reader *fakeReader, handler Handler) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		GroupID:      "test-group",
		Topics:       []string{"survey-responses"},
		FetchBackoff: time.Millisecond,
	}, handler, logger.NewNop(), nil)
	require.NoError(t, err)
	c.newReader = func() kafkaReader { return reader }
	return c
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{GroupID: "g"}, nil, logger.NewNop(), nil)
	assert.Error(t, err)

	_, err = NewConsumer(ConsumerConfig{Topics: []string{"t"}}, nil, logger.NewNop(), nil)
	assert.Error(t, err)
}

func TestConsumerCommitsAfterHandling(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "survey-responses", Offset: 1, Key: []byte("S1"), Value: []byte("a"),
			Headers: []kafka.Header{{Key: "x-trace", Value: []byte("t1")}}},
		kafka.Message{Topic: "survey-responses", Offset: 2, Key: []byte("S1"), Value: []byte("b")},
	)

	var mu sync.Mutex
	var seen []Message
	c := newTestConsumer(t, reader, func(_ context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		return nil
	})

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "a", string(seen[0].Value))
	assert.Equal(t, "S1", string(seen[0].Key))
	assert.Equal(t, "t1", seen[0].Headers["x-trace"])
	assert.True(t, reader.closed)
}

func TestConsumerRetriesSameMessageOnError(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "export-jobs", Offset: 7, Value: []byte("J1")})

	var calls atomic.Int32
	c := newTestConsumer(t, reader, func(context.Context, Message) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("store unavailable")
		case 2:
			panic("boom")
		default:
			return nil
		}
	})

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []int64{7}, reader.committedOffsets())
}

func TestConsumerLeavesOffsetOnShutdown(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "export-jobs", Offset: 3, Value: []byte("J1")})

	started := make(chan struct{})
	c := newTestConsumer(t, reader, func(ctx context.Context, _ Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	stop := runConsumer(t, c)
	<-started
	stop()

	assert.Empty(t, reader.committedOffsets())
}

func TestConsumerAttachesMessageLogger(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "survey-responses", Partition: 2, Offset: 9})

	fields := make(chan logger.Fields, 1)
	c := newTestConsumer(t, reader, func(ctx context.Context, _ Message) error {
		fields <- logger.Fields(logger.FromContext(ctx).Data)
		return nil
	})

	stop := runConsumer(t, c)
	got := <-fields
	stop()

	assert.Equal(t, "survey-responses", got[logger.FieldTopic])
	assert.Equal(t, 2, got[logger.FieldPartition])
	assert.EqualValues(t, 9, got[logger.FieldOffset])
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	err := p.Publish(context.Background(), "transformed-surveys", []byte("S1"), []byte("{}"), map[string]string{"x-dlq-reason": "bad"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "transformed-surveys", w.msgs[0].Topic)
	assert.Equal(t, "S1", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "x-dlq-reason", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker down")
	err = p.Publish(context.Background(), "t", nil, nil, nil)
	assert.ErrorContains(t, err, "publish to t")
}
