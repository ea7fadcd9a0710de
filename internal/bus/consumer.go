package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"github.com/timmy/surveyflow/internal/retry"
	"golang.org/x/sync/errgroup"
)

const maxHandlerBackoff = 30 * time.Second

// kafkaReader abstracts kafka.Reader for testability of commit behavior.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures a consumer group dispatcher.
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	Workers        int
	ProcessTimeout time.Duration
	CommitTimeout  time.Duration
	FetchBackoff   time.Duration
}

// Consumer runs Workers group members. Each member handles the partitions it
// is assigned one message at a time, so records sharing a key are processed in
// order by a single worker.
type Consumer struct {
	cfg       ConsumerConfig
	handler   Handler
	log       *logger.Logger
	metrics   *metrics.Metrics
	newReader func() kafkaReader
}

// NewConsumer builds a dispatcher for handler over cfg.Topics.
func NewConsumer(cfg ConsumerConfig, handler Handler, log *logger.Logger, m *metrics.Metrics) (*Consumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic must be configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group id is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = 500 * time.Millisecond
	}

	c := &Consumer{
		cfg:     cfg,
		handler: handler,
		log:     log.Component("consumer").WithField("group", cfg.GroupID),
		metrics: m,
	}
	c.newReader = func() kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			GroupTopics: cfg.Topics,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
		})
	}
	return c, nil
}

// Run consumes until ctx is cancelled. It returns nil on graceful shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		reader := c.newReader()
		log := c.log.WithField("worker", i)
		g.Go(func() error {
			defer func() {
				if err := reader.Close(); err != nil {
					log.WithError(err).Warn("Closing kafka reader failed")
				}
			}()
			return c.loop(gctx, reader, log)
		})
	}

	c.log.WithFields(logger.Fields{
		"topics":  c.cfg.Topics,
		"workers": c.cfg.Workers,
	}).Info("Consumer started")

	err := g.Wait()
	c.log.Info("Consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context, reader kafkaReader, log *logger.Logger) error {
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.WithError(err).Warnf("Kafka fetch failed, retrying after %s", c.cfg.FetchBackoff)
			if err := retry.SleepWithContext(ctx, c.cfg.FetchBackoff); err != nil {
				return nil
			}
			continue
		}

		msg := fromKafka(km)
		msgLog := log.WithFields(logger.Fields{
			logger.FieldTopic:     msg.Topic,
			logger.FieldPartition: msg.Partition,
			logger.FieldOffset:    msg.Offset,
		})

		if !c.handleUntilDone(ctx, msg, msgLog) {
			// Shutdown mid-message: leave the offset uncommitted for redelivery.
			return nil
		}

		if err := c.commit(reader, km); err != nil {
			msgLog.WithError(err).Error("Offset commit failed")
		}
	}
}

// handleUntilDone invokes the handler until it returns nil. It reports false
// when ctx ended first.
func (c *Consumer) handleUntilDone(ctx context.Context, msg Message, log *logger.Logger) bool {
	for attempt := 1; ; attempt++ {
		err := c.invoke(ctx, msg, log)
		c.metrics.MessageHandled(msg.Topic, err)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			log.WithError(err).Info("Handler interrupted by shutdown")
			return false
		}

		backoff := retry.Backoff(c.cfg.FetchBackoff, maxHandlerBackoff, attempt)
		log.WithError(err).WithField(logger.FieldAttempt, attempt).
			Warnf("Handler failed, retrying message after %s", backoff)
		if retry.SleepWithContext(ctx, backoff) != nil {
			return false
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, msg Message, log *logger.Logger) (err error) {
	processCtx := log.WithContext(ctx)
	if c.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		processCtx, cancel = context.WithTimeout(processCtx, c.cfg.ProcessTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return c.handler(processCtx, msg)
}

// commit records consumer progress only after a message reaches a terminal outcome.
func (c *Consumer) commit(reader kafkaReader, km kafka.Message) error {
	commitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
	defer cancel()
	return reader.CommitMessages(commitCtx, km)
}

func fromKafka(km kafka.Message) Message {
	msg := Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Time:      km.Time,
	}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
