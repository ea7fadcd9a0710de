// Package jobs drives export jobs through their lifecycle: producing
// triggers, running the work registered for a job kind, and reconciling
// jobs that stalled.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/surveyflow/internal/domain"
)

// ErrUnknownKind is recorded on jobs whose kind has no registered handler.
var ErrUnknownKind = errors.New("no handler registered for job kind")

// JobStore is the persistence the job lifecycle depends on. CompareAndSwap
// must fail with repository.ErrConflict when the stored row is no longer in
// status from at job.Version.
type JobStore interface {
	Create(ctx context.Context, job *domain.ExportJob) error
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	CompareAndSwap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error
	ListStale(ctx context.Context, status domain.JobStatus, cutoff time.Time, limit int) ([]domain.ExportJob, error)
}

// Handler performs the work of one job kind and returns the artifact URL.
// It may update job.Attempts; the runner persists it with the final status.
type Handler interface {
	Run(ctx context.Context, job *domain.ExportJob) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.ExportJob) (string, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, job *domain.ExportJob) (string, error) {
	return f(ctx, job)
}

// Triggerer publishes a trigger for an existing job.
type Triggerer interface {
	Trigger(ctx context.Context, jobID string) error
}
