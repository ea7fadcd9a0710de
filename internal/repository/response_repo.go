package repository

import (
	"context"
	"fmt"

	"github.com/timmy/surveyflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResponseRepository handles loaded survey response rows.
type ResponseRepository struct {
	db *gorm.DB
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(db *gorm.DB) *ResponseRepository {
	return &ResponseRepository{db: db}
}

// Insert stores row unless a row with the same id already exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - row: response row keyed by its deterministic id.
// Returns:
//   - bool: true if a new row was written, false on an idempotent replay.
//   - error: non-nil if the insert fails.
func (r *ResponseRepository) Insert(ctx context.Context, row *domain.SurveyResponse) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("insert survey response %s: %w", row.ID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListBySurvey returns every loaded response of a survey ordered by response time.
func (r *ResponseRepository) ListBySurvey(ctx context.Context, surveyID string) ([]domain.SurveyResponse, error) {
	var rows []domain.SurveyResponse
	if err := r.db.WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("responded_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list responses for survey %s: %w", surveyID, err)
	}
	return rows, nil
}
