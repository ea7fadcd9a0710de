// Package transformer validates raw survey events, enriches them with region
// ids and republishes them, dead-lettering anything it cannot process.
package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/location"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"github.com/timmy/surveyflow/internal/retry"
)

// ErrInvalidEvent wraps decode and validation failures.
var ErrInvalidEvent = errors.New("invalid survey event")

// Dead letter headers carrying replay context.
const (
	HeaderDLQReason     = "x-dlq-reason"
	HeaderSourceTopic   = "x-source-topic"
	HeaderSourcePart    = "x-source-partition"
	HeaderSourceOffset  = "x-source-offset"
	HeaderDLQFailedAt   = "x-dlq-failed-at"
	maxLoggedPayloadLen = 1024
)

// Outcome is what happened to one inbound event.
type Outcome string

const (
	OutcomePublished    Outcome = "published"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDLQFailed    Outcome = "dlq_failed"
	OutcomeInterrupted  Outcome = "interrupted"
)

// Config names the output topics and per-call timeouts.
type Config struct {
	TransformedTopic string
	DeadLetterTopic  string
	ResolveTimeout   time.Duration
	PublishTimeout   time.Duration
}

// Processor turns raw survey events into enriched ones.
type Processor struct {
	cfg       Config
	resolver  location.Resolver
	publisher bus.Publisher
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewProcessor wires a processor. log and m may be nil.
func NewProcessor(cfg Config, resolver location.Resolver, publisher bus.Publisher, log *logger.Logger, m *metrics.Metrics) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		resolver:  resolver,
		publisher: publisher,
		log:       log.Component("transformer"),
		metrics:   m,
		now:       time.Now,
	}
}

// HandleMessage adapts the processor to the bus dispatcher. Every outcome is
// final except a shutdown interruption, which asks for redelivery.
func (p *Processor) HandleMessage(ctx context.Context, msg bus.Message) error {
	if p.ProcessMessage(ctx, msg) == OutcomeInterrupted {
		return ctx.Err()
	}
	return nil
}

// ProcessEvent processes a bare payload with no bus metadata.
func (p *Processor) ProcessEvent(ctx context.Context, payload []byte) Outcome {
	return p.ProcessMessage(ctx, bus.Message{Value: payload})
}

// ProcessMessage publishes exactly one record per call: the enriched event to
// the transformed topic, or the original payload to the dead letter topic.
// The only exception is OutcomeInterrupted, returned when ctx ended mid-flight.
func (p *Processor) ProcessMessage(ctx context.Context, msg bus.Message) Outcome {
	log := logger.FromContextOr(ctx, p.log).Component("transformer")

	key, enriched, err := p.transform(ctx, msg.Value)
	if err == nil {
		err = retry.RunWithTimeout(ctx, p.cfg.PublishTimeout, func(ctx context.Context) error {
			return p.publisher.Publish(ctx, p.cfg.TransformedTopic, key, enriched, nil)
		})
		if err == nil {
			p.metrics.TransformOutcome(metrics.OutcomePublished)
			log.WithField(logger.FieldSurveyID, string(key)).Debug("Survey event transformed")
			return OutcomePublished
		}
		err = fmt.Errorf("publish transformed event: %w", err)
	}

	if ctx.Err() != nil {
		log.WithError(err).Info("Transform interrupted by shutdown, leaving event for redelivery")
		return OutcomeInterrupted
	}

	return p.deadLetter(ctx, log, msg, err)
}

// transform decodes, validates and enriches payload. Panics surface as errors.
func (p *Processor) transform(ctx context.Context, payload []byte) (key, enriched []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()

	var raw domain.RawSurveyEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := Validate(raw); err != nil {
		return nil, nil, err
	}

	loc, err := retry.CallWithTimeout(ctx, p.cfg.ResolveTimeout, func(ctx context.Context) (domain.LocationResolution, error) {
		return p.resolver.Resolve(ctx, raw.LocationData.Lat, raw.LocationData.Lon)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve location: %w", err)
	}

	enriched, err = json.Marshal(domain.Enrich(raw, loc))
	if err != nil {
		return nil, nil, fmt.Errorf("encode enriched event: %w", err)
	}
	return []byte(raw.SurveyID.String()), enriched, nil
}

// Validate checks the fields enrichment depends on.
func Validate(ev domain.RawSurveyEvent) error {
	if ev.SurveyID == uuid.Nil {
		return fmt.Errorf("%w: survey_id is missing", ErrInvalidEvent)
	}
	if ev.LocationData == nil {
		return fmt.Errorf("%w: location_data is missing", ErrInvalidEvent)
	}
	if err := location.ValidateCoordinates(ev.LocationData.Lat, ev.LocationData.Lon); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := domain.DecodeResponsePayload(ev.Response); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, log *logger.Logger, msg bus.Message, cause error) Outcome {
	log = log.WithError(cause).WithField("payload", truncate(msg.Value, maxLoggedPayloadLen))
	log.Error("Failed to process survey event, sending to DLQ")

	headers := map[string]string{
		HeaderDLQReason:   cause.Error(),
		HeaderDLQFailedAt: p.now().UTC().Format(time.RFC3339),
	}
	if msg.Topic != "" {
		headers[HeaderSourceTopic] = msg.Topic
		headers[HeaderSourcePart] = strconv.Itoa(msg.Partition)
		headers[HeaderSourceOffset] = strconv.FormatInt(msg.Offset, 10)
	}

	err := retry.RunWithTimeout(ctx, p.cfg.PublishTimeout, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, p.cfg.DeadLetterTopic, msg.Key, msg.Value, headers)
	})
	if err != nil {
		p.metrics.TransformOutcome(metrics.OutcomeDLQFailed)
		log.WithField("dlq_error", err.Error()).Error("Failed to publish survey event to DLQ")
		return OutcomeDLQFailed
	}

	p.metrics.TransformOutcome(metrics.OutcomeDeadLettered)
	return OutcomeDeadLettered
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
