package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of an export job.
// Values include JobStatusPending, JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal forward move.
// PENDING may also fail directly when the sweeper gives up on it.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// JobKind tags the variant of work a job performs. The runner dispatches on it.
type JobKind string

const (
	JobKindExport JobKind = "export"
)

// ExportFormat is the artifact encoding of an export job.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
)

// ErrInvalidTransition is returned by the Mark* helpers when the current status
// does not allow the requested move.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ExportJob is the persisted record of a single export request.
//
// ArtifactURL is non-nil exactly when Status is COMPLETED, and CompletedAt is
// non-nil exactly when Status is terminal. Version increments on every
// persisted transition and backs the store's compare-and-swap.
type ExportJob struct {
	ID          string       `gorm:"type:text;primaryKey" json:"id"`
	Kind        JobKind      `gorm:"type:text;not null;default:export" json:"kind"`
	SurveyID    string       `gorm:"type:text;not null;index" json:"survey_id"`
	Format      ExportFormat `gorm:"type:text;not null;default:csv" json:"format"`
	Status      JobStatus    `gorm:"type:text;not null;index:idx_export_jobs_status_updated,priority:1" json:"status"`
	ArtifactURL *string      `gorm:"type:text" json:"artifact_url,omitempty"`
	CreatedBy   string       `gorm:"type:text" json:"created_by,omitempty"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	Version     int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `gorm:"index:idx_export_jobs_status_updated,priority:2" json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// TableName returns the database table name for ExportJob.
func (ExportJob) TableName() string {
	return "export_jobs"
}

// NewExportJob builds a PENDING export job.
func NewExportJob(id, surveyID, createdBy string, now time.Time) *ExportJob {
	return &ExportJob{
		ID:        id,
		Kind:      JobKindExport,
		SurveyID:  surveyID,
		Format:    ExportFormatCSV,
		Status:    JobStatusPending,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessing moves a PENDING job to PROCESSING.
func (j *ExportJob) MarkProcessing(now time.Time) error {
	if err := j.transition(JobStatusProcessing); err != nil {
		return err
	}
	j.UpdatedAt = now
	return nil
}

// MarkCompleted moves a PROCESSING job to COMPLETED with its artifact location.
func (j *ExportJob) MarkCompleted(url string, now time.Time) error {
	if url == "" {
		return fmt.Errorf("%w: completed job needs an artifact url", ErrInvalidTransition)
	}
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	j.ArtifactURL = &url
	j.LastError = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkFailed moves a non-terminal job to FAILED, recording reason.
func (j *ExportJob) MarkFailed(reason string, now time.Time) error {
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	j.ArtifactURL = nil
	j.LastError = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (j *ExportJob) transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}
