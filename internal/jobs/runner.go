package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"github.com/timmy/surveyflow/internal/repository"
	"github.com/timmy/surveyflow/internal/retry"
)

// RunnerConfig holds the runner's boundary timeouts.
type RunnerConfig struct {
	StoreTimeout time.Duration
	// FinishRetry bounds the attempts to persist a job's terminal state.
	FinishRetry retry.Policy
}

// DefaultFinishRetry is used when RunnerConfig.FinishRetry has no attempts.
var DefaultFinishRetry = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Runner consumes job triggers and moves each job from PENDING through
// PROCESSING to COMPLETED or FAILED.
type Runner struct {
	store    JobStore
	handlers map[domain.JobKind]Handler
	cfg      RunnerConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRunner creates a runner dispatching on job kind.
// Parameters:
//   - store: job store with compare-and-swap updates.
//   - handlers: work to run per job kind.
//   - cfg: boundary timeouts.
//   - log: base logger, nil discards.
//   - m: metrics, may be nil.
// Returns:
//   - *Runner: runner ready to be used as a bus handler.
func NewRunner(store JobStore, handlers map[domain.JobKind]Handler, cfg RunnerConfig, log *logger.Logger, m *metrics.Metrics) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.FinishRetry.MaxAttempts < 1 {
		cfg.FinishRetry = DefaultFinishRetry
	}
	registry := make(map[domain.JobKind]Handler, len(handlers))
	for kind, h := range handlers {
		registry[kind] = h
	}
	return &Runner{
		store:    store,
		handlers: registry,
		cfg:      cfg,
		log:      log.Component("job_runner"),
		metrics:  m,
		now:      time.Now,
	}
}

// HandleMessage decodes a trigger message and runs the job it names.
// Undecodable triggers are logged and dropped.
func (r *Runner) HandleMessage(ctx context.Context, msg bus.Message) error {
	jobID, err := DecodeTrigger(msg.Value)
	if err != nil {
		logger.FromContextOr(ctx, r.log).WithError(err).
			WithField("payload", string(msg.Value)).
			Warn("Dropping undecodable job trigger")
		return nil
	}
	return r.HandleTrigger(ctx, jobID)
}

// HandleTrigger runs the job with id jobID if it is still PENDING.
//
// Missing jobs, jobs that are already terminal or owned by another worker, and
// lost compare-and-swap races are all no-ops returning nil. Work failures,
// including ctx reaching its deadline, end the job in FAILED and also return
// nil. A non-nil error means the store was unavailable or ctx was cancelled
// while the job was in flight. A job that was already claimed stays
// PROCESSING until the sweeper reconciles it.
func (r *Runner) HandleTrigger(ctx context.Context, jobID string) error {
	ctx = logger.SetJobID(logger.FromContextOr(ctx, r.log).Component("job_runner").WithContext(ctx), jobID)
	log := logger.FromContext(ctx)

	job, err := retry.CallWithTimeout(ctx, r.cfg.StoreTimeout, func(ctx context.Context) (*domain.ExportJob, error) {
		return r.store.Get(ctx, jobID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("Export job not found, dropping trigger")
		return nil
	}
	if err != nil {
		return r.storeError(ctx, "load job", err)
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobKind:  string(job.Kind),
		logger.FieldSurveyID: job.SurveyID,
	})
	log = logger.FromContext(ctx)

	switch job.Status {
	case domain.JobStatusPending:
	case domain.JobStatusProcessing:
		log.Info("Export job already in progress, skipping trigger")
		return nil
	default:
		log.WithField(logger.FieldStatus, string(job.Status)).Info("Export job already finished, skipping trigger")
		return nil
	}

	if err := job.MarkProcessing(r.now()); err != nil {
		log.WithError(err).Warn("Cannot start export job")
		return nil
	}
	if err := r.swap(ctx, job, domain.JobStatusPending); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Info("Export job claimed by another worker")
			return nil
		}
		return r.storeError(ctx, "claim job", err)
	}
	r.metrics.JobTransition(string(job.Kind), string(job.Status))

	started := r.now()
	log.Info("Export job started")

	url, runErr := r.dispatch(ctx, job)
	if runErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		log.WithError(runErr).Warn("Export job interrupted by shutdown, leaving it PROCESSING")
		return ctx.Err()
	}

	finishedAt := r.now()
	if runErr == nil {
		runErr = job.MarkCompleted(url, finishedAt)
	}
	if runErr != nil {
		if err := job.MarkFailed(runErr.Error(), finishedAt); err != nil {
			log.WithError(err).Error("Cannot fail export job")
			return nil
		}
	}

	if err := r.finish(ctx, job); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Warn("Export job changed while running, result discarded")
			return nil
		}
		log.WithError(err).WithField(logger.FieldStatus, string(job.Status)).
			Error("Cannot persist export job result, leaving it to the sweeper")
		return fmt.Errorf("finish job: %w", err)
	}

	elapsed := finishedAt.Sub(started)
	r.metrics.JobTransition(string(job.Kind), string(job.Status))
	r.metrics.JobFinished(string(job.Kind), string(job.Status), elapsed)

	log = log.WithFields(logger.Fields{
		logger.FieldStatus:     string(job.Status),
		logger.FieldAttempt:    job.Attempts,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	})
	if job.Status == domain.JobStatusFailed {
		log.WithError(runErr).Error("Export job failed")
		return nil
	}
	log.WithField("artifact_url", url).Info("Export job completed")
	return nil
}

// finish persists the terminal state of a PROCESSING job. The write outlives
// ctx so a result that was produced is not lost to a deadline or shutdown;
// each attempt is bounded by StoreTimeout. Conflicts are not retried.
func (r *Runner) finish(ctx context.Context, job *domain.ExportJob) error {
	finishCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	_, err := retry.Do(finishCtx, r.cfg.FinishRetry, func(ctx context.Context, attempt int) error {
		err := r.swap(ctx, job, domain.JobStatusProcessing)
		if errors.Is(err, repository.ErrConflict) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.WithError(err).WithField(logger.FieldAttempt, attempt).Warn("Persisting export job result failed")
		}
		return err
	})
	return err
}

// dispatch runs the handler registered for job.Kind. Panics become errors.
func (r *Runner) dispatch(ctx context.Context, job *domain.ExportJob) (url string, err error) {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			url, err = "", fmt.Errorf("job handler panic: %v", rec)
		}
	}()
	return h.Run(ctx, job)
}

func (r *Runner) swap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error {
	return retry.RunWithTimeout(ctx, r.cfg.StoreTimeout, func(ctx context.Context) error {
		return r.store.CompareAndSwap(ctx, job, from)
	})
}

func (r *Runner) storeError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", op, err)
}
