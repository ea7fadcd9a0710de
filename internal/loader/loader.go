// Package loader stores enriched survey events as response rows.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"github.com/timmy/surveyflow/internal/retry"
	"github.com/timmy/surveyflow/internal/transformer"
)

// ResponseWriter inserts response rows, reporting false for rows already present.
type ResponseWriter interface {
	Insert(ctx context.Context, row *domain.SurveyResponse) (bool, error)
}

// Config names the loader's dead letter topic and boundary timeouts.
type Config struct {
	DeadLetterTopic string
	StoreTimeout    time.Duration
	PublishTimeout  time.Duration
}

// Loader consumes the transformed topic.
type Loader struct {
	cfg       Config
	rows      ResponseWriter
	publisher bus.Publisher
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewLoader creates a loader. log and m may be nil.
func NewLoader(cfg Config, rows ResponseWriter, publisher bus.Publisher, log *logger.Logger, m *metrics.Metrics) *Loader {
	if log == nil {
		log = logger.NewNop()
	}
	return &Loader{
		cfg:       cfg,
		rows:      rows,
		publisher: publisher,
		log:       log.Component("loader"),
		metrics:   m,
		now:       time.Now,
	}
}

// HandleMessage stores one enriched event. Redelivered events map onto the
// same row and are skipped. Undecodable events are dead-lettered and consumed.
// Store failures are returned so the event is redelivered.
func (l *Loader) HandleMessage(ctx context.Context, msg bus.Message) error {
	log := logger.FromContextOr(ctx, l.log).Component("loader")

	row, err := decode(msg.Value)
	if err != nil {
		return l.deadLetter(ctx, log, msg, err)
	}
	log = log.WithFields(logger.Fields{
		logger.FieldSurveyID: row.SurveyID,
		"response_id":        row.ID,
	})

	inserted, err := retry.CallWithTimeout(ctx, l.cfg.StoreTimeout, func(ctx context.Context) (bool, error) {
		return l.rows.Insert(ctx, row)
	})
	if err != nil {
		l.metrics.LoadOutcome(metrics.OutcomeFailed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.WithError(err).Warn("Failed to store survey response, will retry")
		return err
	}

	if !inserted {
		l.metrics.LoadOutcome(metrics.OutcomeDuplicate)
		log.Debug("Survey response already loaded")
		return nil
	}
	l.metrics.LoadOutcome(metrics.OutcomeInserted)
	log.Debug("Survey response loaded")
	return nil
}

func decode(payload []byte) (*domain.SurveyResponse, error) {
	var ev domain.EnrichedSurveyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode enriched event: %w", err)
	}
	if ev.SurveyID == uuid.Nil {
		return nil, fmt.Errorf("enriched event has no survey_id")
	}
	return domain.NewSurveyResponse(ev)
}

func (l *Loader) deadLetter(ctx context.Context, log *logger.Logger, msg bus.Message, cause error) error {
	log = log.WithError(cause)
	log.Error("Failed to decode enriched survey event, sending to DLQ")

	headers := map[string]string{
		transformer.HeaderDLQReason:   cause.Error(),
		transformer.HeaderDLQFailedAt: l.now().UTC().Format(time.RFC3339),
	}
	if msg.Topic != "" {
		headers[transformer.HeaderSourceTopic] = msg.Topic
		headers[transformer.HeaderSourcePart] = strconv.Itoa(msg.Partition)
		headers[transformer.HeaderSourceOffset] = strconv.FormatInt(msg.Offset, 10)
	}

	err := retry.RunWithTimeout(ctx, l.cfg.PublishTimeout, func(ctx context.Context) error {
		return l.publisher.Publish(ctx, l.cfg.DeadLetterTopic, msg.Key, msg.Value, headers)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		l.metrics.LoadOutcome(metrics.OutcomeDLQFailed)
		log.WithField("dlq_error", err.Error()).Error("Failed to publish enriched event to DLQ")
		return nil
	}
	l.metrics.LoadOutcome(metrics.OutcomeDeadLettered)
	return nil
}
