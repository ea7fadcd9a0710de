package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timmy/surveyflow/internal/domain"
)

// MemoryExportJobRepository is an in-process job store with the same
// compare-and-swap semantics as ExportJobRepository. Used for local runs and tests.
type MemoryExportJobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.ExportJob
}

// NewMemoryExportJobRepository creates an empty in-memory store.
func NewMemoryExportJobRepository() *MemoryExportJobRepository {
	return &MemoryExportJobRepository{jobs: make(map[string]domain.ExportJob)}
}

// Create stores a copy of job. Ids must be unique.
func (r *MemoryExportJobRepository) Create(_ context.Context, job *domain.ExportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("create export job %s: already exists", job.ID)
	}
	r.jobs[job.ID] = cloneJob(*job)
	return nil
}

// Get returns a copy of the stored job, or ErrNotFound.
func (r *MemoryExportJobRepository) Get(_ context.Context, id string) (*domain.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

// CompareAndSwap replaces the stored job if it is still in status from at
// job.Version, advancing job.Version. Otherwise it returns ErrConflict.
func (r *MemoryExportJobRepository) CompareAndSwap(_ context.Context, job *domain.ExportJob, from domain.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[job.ID]
	if !ok || stored.Status != from || stored.Version != job.Version {
		return ErrConflict
	}

	job.Version++
	r.jobs[job.ID] = cloneJob(*job)
	return nil
}

// ListStale returns up to limit jobs in status last updated before cutoff,
// oldest first.
func (r *MemoryExportJobRepository) ListStale(_ context.Context, status domain.JobStatus, cutoff time.Time, limit int) ([]domain.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ExportJob
	for _, job := range r.jobs {
		if job.Status == status && job.UpdatedAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j domain.ExportJob) domain.ExportJob {
	if j.ArtifactURL != nil {
		url := *j.ArtifactURL
		j.ArtifactURL = &url
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		j.CompletedAt = &at
	}
	return j
}
