package jobs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/metrics"
	"github.com/timmy/surveyflow/internal/repository"
)

// ReasonProcessingTimedOut is recorded on jobs failed by the sweeper.
const ReasonProcessingTimedOut = "processing timed out"

// Sweeper metric actions.
const (
	SweepActionTimedOut    = "timed_out"
	SweepActionRetriggered = "retriggered"
)

// SweeperConfig controls how often and how aggressively stale jobs are reconciled.
// A zero ProcessingTimeout or PendingMaxAge disables that half of the sweep.
type SweeperConfig struct {
	Interval          time.Duration
	ProcessingTimeout time.Duration
	PendingMaxAge     time.Duration
	BatchSize         int
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	TimedOut    int
	Retriggered int
}

// Sweeper reconciles jobs whose owner crashed in PROCESSING and jobs whose
// trigger was never delivered.
type Sweeper struct {
	store   JobStore
	trigger Triggerer
	cfg     SweeperConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSweeper validates cfg and creates a sweeper.
func NewSweeper(store JobStore, trigger Triggerer, cfg SweeperConfig, log *logger.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper requires a job store")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweeper interval must be positive, got %s", cfg.Interval)
	}
	if cfg.PendingMaxAge > 0 && trigger == nil {
		return nil, errors.New("sweeper requires a trigger publisher to retrigger pending jobs")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		store:   store,
		trigger: trigger,
		cfg:     cfg,
		log:     log.Component("job_sweeper"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run sweeps once after a short jitter and then every interval until ctx ends.
// It returns nil on shutdown; sweep errors are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.WithFields(logger.Fields{
		"interval":           s.cfg.Interval.String(),
		"processing_timeout": s.cfg.ProcessingTimeout.String(),
		"pending_max_age":    s.cfg.PendingMaxAge.String(),
	}).Info("Starting job sweeper")

	if !s.waitWithJitter(ctx) {
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("Job sweep failed")
		}

		select {
		case <-ctx.Done():
			s.log.Info("Job sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// waitWithJitter sleeps up to a tenth of the interval so replicas started
// together do not sweep in lockstep. It reports false if ctx ended first.
func (s *Sweeper) waitWithJitter(ctx context.Context) bool {
	maxJitter := int64(s.cfg.Interval / 10)
	if maxJitter <= 0 {
		return ctx.Err() == nil
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.log.WithError(err).Warn("Failed to generate jitter, skipping")
		return ctx.Err() == nil
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

// Sweep performs one reconciliation pass.
//
// PROCESSING jobs not updated within ProcessingTimeout are failed. PENDING jobs
// older than PendingMaxAge are touched and their trigger republished; the
// touch bumps the version, so a runner still holding the old trigger loses its
// claim to the fresh one. Each half handles at most BatchSize jobs.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	now := s.now()

	if s.cfg.ProcessingTimeout > 0 {
		n, err := s.failStaleProcessing(ctx, now)
		res.TimedOut = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.PendingMaxAge > 0 {
		n, err := s.retriggerStalePending(ctx, now)
		res.Retriggered = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.SweeperAction(SweepActionTimedOut, res.TimedOut)
	s.metrics.SweeperAction(SweepActionRetriggered, res.Retriggered)
	if res.TimedOut > 0 || res.Retriggered > 0 {
		s.log.WithFields(logger.Fields{
			"timed_out":   res.TimedOut,
			"retriggered": res.Retriggered,
		}).Info("Job sweep reconciled stale jobs")
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) failStaleProcessing(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListStale(ctx, domain.JobStatusProcessing, now.Add(-s.cfg.ProcessingTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale processing jobs: %w", err)
	}

	var (
		failed int
		errs   []error
	)
	for i := range stale {
		job := &stale[i]
		if err := job.MarkFailed(ReasonProcessingTimedOut, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.CompareAndSwap(ctx, job, domain.JobStatusProcessing); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("fail job %s: %w", job.ID, err))
			continue
		}
		failed++
		s.metrics.JobTransition(string(job.Kind), string(job.Status))
		s.log.WithFields(logger.Fields{
			logger.FieldJobID:    job.ID,
			logger.FieldSurveyID: job.SurveyID,
		}).Warn("Export job timed out in PROCESSING, marked FAILED")
	}
	return failed, errors.Join(errs...)
}

func (s *Sweeper) retriggerStalePending(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListStale(ctx, domain.JobStatusPending, now.Add(-s.cfg.PendingMaxAge), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending jobs: %w", err)
	}

	var (
		retriggered int
		errs        []error
	)
	for i := range stale {
		job := &stale[i]
		job.UpdatedAt = now
		if err := s.store.CompareAndSwap(ctx, job, domain.JobStatusPending); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("touch job %s: %w", job.ID, err))
			continue
		}
		if err := s.trigger.Trigger(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		retriggered++
		s.log.WithField(logger.FieldJobID, job.ID).Info("Republished trigger for stale PENDING job")
	}
	return retriggered, errors.Join(errs...)
}
