package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/surveyflow/internal/domain"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update lost to a concurrent writer
	// or the record was no longer in the expected state.
	ErrConflict = errors.New("concurrent modification")
)

// ExportJobRepository persists export jobs with GORM.
type ExportJobRepository struct {
	db *gorm.DB
}

// NewExportJobRepository creates a new ExportJobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ExportJobRepository: repository instance bound to db.
func NewExportJobRepository(db *gorm.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

// Create inserts a new job record.
func (r *ExportJobRepository) Create(ctx context.Context, job *domain.ExportJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create export job %s: %w", job.ID, err)
	}
	return nil
}

// Get retrieves a job by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job id.
// Returns:
//   - *domain.ExportJob: job record if found.
//   - error: ErrNotFound when missing, other errors on lookup failure.
func (r *ExportJobRepository) Get(ctx context.Context, id string) (*domain.ExportJob, error) {
	var job domain.ExportJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export job %s: %w", id, err)
	}
	return &job, nil
}

// CompareAndSwap persists the mutable fields of job only if the stored row is
// still in status from at job.Version. On success job.Version is advanced.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job carrying the new state and the version it was read at.
//   - from: status the stored row must currently have.
// Returns:
//   - error: ErrConflict if the guard did not match, other errors on write failure.
func (r *ExportJobRepository) CompareAndSwap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error {
	next := job.Version + 1
	res := r.db.WithContext(ctx).
		Model(&domain.ExportJob{}).
		Where("id = ? AND status = ? AND version = ?", job.ID, from, job.Version).
		Updates(map[string]interface{}{
			"status":       job.Status,
			"artifact_url": job.ArtifactURL,
			"attempts":     job.Attempts,
			"last_error":   job.LastError,
			"completed_at": job.CompletedAt,
			"updated_at":   job.UpdatedAt,
			"version":      next,
		})
	if res.Error != nil {
		return fmt.Errorf("update export job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	job.Version = next
	return nil
}

// ListStale returns up to limit jobs in status whose last update is before cutoff,
// oldest first.
func (r *ExportJobRepository) ListStale(ctx context.Context, status domain.JobStatus, cutoff time.Time, limit int) ([]domain.ExportJob, error) {
	var jobs []domain.ExportJob
	q := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list stale %s jobs: %w", status, err)
	}
	return jobs, nil
}

// CountByStatus reports how many jobs are in each status.
func (r *ExportJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&domain.ExportJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count export jobs: %w", err)
	}

	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
