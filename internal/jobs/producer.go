package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/retry"
)

// ErrInvalidRequest is returned for export requests with malformed ids.
var ErrInvalidRequest = errors.New("invalid export request")

// ProducerConfig names the trigger topic and boundary timeouts.
type ProducerConfig struct {
	Topic          string
	PublishTimeout time.Duration
	StoreTimeout   time.Duration
}

// Producer creates export jobs and publishes their triggers.
type Producer struct {
	store     JobStore
	publisher bus.Publisher
	cfg       ProducerConfig
	log       *logger.Logger
	now       func() time.Time
	newID     func() string
}

// NewProducer creates a producer publishing to cfg.Topic.
func NewProducer(store JobStore, publisher bus.Publisher, cfg ProducerConfig, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.Component("job_producer"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// RequestExport creates a PENDING export job for surveyID and publishes its
// trigger. When only the publish fails, the created job is returned together
// with the error; the sweeper republishes triggers for jobs left PENDING.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - surveyID: survey to export, must be a UUID.
//   - createdBy: requesting user id, empty or a UUID.
// Returns:
//   - *domain.ExportJob: the created job, nil if it was not stored.
//   - error: ErrInvalidRequest for malformed ids, or a store/publish failure.
func (p *Producer) RequestExport(ctx context.Context, surveyID, createdBy string) (*domain.ExportJob, error) {
	sid, err := uuid.Parse(surveyID)
	if err != nil {
		return nil, fmt.Errorf("%w: survey id %q: %v", ErrInvalidRequest, surveyID, err)
	}
	if createdBy != "" {
		uid, err := uuid.Parse(createdBy)
		if err != nil {
			return nil, fmt.Errorf("%w: created by %q: %v", ErrInvalidRequest, createdBy, err)
		}
		createdBy = uid.String()
	}

	job := domain.NewExportJob(p.newID(), sid.String(), createdBy, p.now())
	if err := retry.RunWithTimeout(ctx, p.cfg.StoreTimeout, func(ctx context.Context) error {
		return p.store.Create(ctx, job)
	}); err != nil {
		return nil, err
	}

	log := logger.FromContextOr(ctx, p.log).WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldSurveyID: job.SurveyID,
	})
	if err := p.Trigger(ctx, job.ID); err != nil {
		log.WithError(err).Warn("Export job created but trigger not published")
		return job, err
	}

	log.Info("Export job requested")
	return job, nil
}

// Trigger publishes the trigger of an existing job, keyed by its id.
func (p *Producer) Trigger(ctx context.Context, jobID string) error {
	err := retry.RunWithTimeout(ctx, p.cfg.PublishTimeout, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, p.cfg.Topic, []byte(jobID), EncodeTrigger(jobID), nil)
	})
	if err != nil {
		return fmt.Errorf("publish trigger for job %s: %w", jobID, err)
	}
	return nil
}

// EncodeTrigger returns the trigger payload for jobID: the bare id.
func EncodeTrigger(jobID string) []byte {
	return []byte(jobID)
}

// DecodeTrigger extracts the job id from a trigger payload. Both the bare id
// and a JSON string are accepted.
func DecodeTrigger(payload []byte) (string, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '"' {
		var id string
		if err := json.Unmarshal(payload, &id); err != nil {
			return "", fmt.Errorf("decode trigger: %w", err)
		}
		payload = bytes.TrimSpace([]byte(id))
	}
	if len(payload) == 0 {
		return "", errors.New("decode trigger: empty job id")
	}
	if bytes.ContainsAny(payload, " \t\r\n\"{}[]") {
		return "", fmt.Errorf("decode trigger: malformed job id %q", payload)
	}
	return string(payload), nil
}
