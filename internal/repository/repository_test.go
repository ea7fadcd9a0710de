package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"gorm.io/gorm"
)

// jobStore is the contract both job store implementations satisfy.
type jobStore interface {
	Create(ctx context.Context, job *domain.ExportJob) error
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	CompareAndSwap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error
	ListStale(ctx context.Context, status domain.JobStatus, cutoff time.Time, limit int) ([]domain.ExportJob, error)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "surveyflow.db"),
		AutoMigrate: true,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func jobStores(t *testing.T) map[string]jobStore {
	return map[string]jobStore{
		"gorm":   NewExportJobRepository(newTestDB(t)),
		"memory": NewMemoryExportJobRepository(),
	}
}

func TestJobStoreGetMissing(t *testing.T) {
	for name, store := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestJobStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for name, store := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(ctx, domain.NewExportJob("J1", "S1", "admin", now)))

			first, err := store.Get(ctx, "J1")
			require.NoError(t, err)
			second, err := store.Get(ctx, "J1")
			require.NoError(t, err)

			require.NoError(t, first.MarkProcessing(now))
			require.NoError(t, store.CompareAndSwap(ctx, first, domain.JobStatusPending))
			assert.EqualValues(t, 1, first.Version)

			// A second owner read the same PENDING version and must lose.
			require.NoError(t, second.MarkProcessing(now))
			assert.ErrorIs(t, store.CompareAndSwap(ctx, second, domain.JobStatusPending), ErrConflict)

			require.NoError(t, first.MarkCompleted("https://store/exports/S1/J1.csv", now))
			require.NoError(t, store.CompareAndSwap(ctx, first, domain.JobStatusProcessing))

			got, err := store.Get(ctx, "J1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusCompleted, got.Status)
			require.NotNil(t, got.ArtifactURL)
			assert.Equal(t, "https://store/exports/S1/J1.csv", *got.ArtifactURL)
			require.NotNil(t, got.CompletedAt)
			assert.EqualValues(t, 2, got.Version)
			assert.Equal(t, "S1", got.SurveyID)
			assert.Equal(t, "admin", got.CreatedBy)
		})
	}
}

func TestJobStoreCompareAndSwapWritesNulls(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, store := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(ctx, domain.NewExportJob("J2", "S1", "", now)))
			job, err := store.Get(ctx, "J2")
			require.NoError(t, err)

			require.NoError(t, job.MarkProcessing(now))
			require.NoError(t, store.CompareAndSwap(ctx, job, domain.JobStatusPending))
			job.Attempts = 3
			require.NoError(t, job.MarkFailed("upload: connection reset", now))
			require.NoError(t, store.CompareAndSwap(ctx, job, domain.JobStatusProcessing))

			got, err := store.Get(ctx, "J2")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, got.Status)
			assert.Nil(t, got.ArtifactURL)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, 3, got.Attempts)
			assert.Equal(t, "upload: connection reset", got.LastError)
		})
	}
}

func TestJobStoreListStale(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, store := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(ctx, domain.NewExportJob("old-1", "S1", "", now.Add(-3*time.Hour))))
			require.NoError(t, store.Create(ctx, domain.NewExportJob("old-2", "S1", "", now.Add(-2*time.Hour))))
			require.NoError(t, store.Create(ctx, domain.NewExportJob("fresh", "S1", "", now)))

			stale, err := store.ListStale(ctx, domain.JobStatusPending, now.Add(-time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, stale, 2)
			assert.Equal(t, "old-1", stale[0].ID)
			assert.Equal(t, "old-2", stale[1].ID)

			limited, err := store.ListStale(ctx, domain.JobStatusPending, now.Add(-time.Hour), 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "old-1", limited[0].ID)

			none, err := store.ListStale(ctx, domain.JobStatusProcessing, now.Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestExportJobRepositoryCountByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewExportJobRepository(newTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, domain.NewExportJob("a", "S1", "", now)))
	require.NoError(t, repo.Create(ctx, domain.NewExportJob("b", "S1", "", now)))
	job, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, job.MarkProcessing(now))
	require.NoError(t, repo.CompareAndSwap(ctx, job, domain.JobStatusPending))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[domain.JobStatusPending])
	assert.EqualValues(t, 1, counts[domain.JobStatusProcessing])
}

func TestResponseRepositoryInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewResponseRepository(newTestDB(t))

	surveyID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	later, err := domain.NewSurveyResponse(domain.Enrich(domain.RawSurveyEvent{
		SurveyID:     surveyID,
		QuestionID:   "q2",
		Response:     json.RawMessage(`{"answer": "no"}`),
		LocationData: &domain.Location{Lat: 12.9, Lon: 77.5},
		Timestamp:    &t2,
	}, domain.LocationResolution{}))
	require.NoError(t, err)
	earlier, err := domain.NewSurveyResponse(domain.Enrich(domain.RawSurveyEvent{
		SurveyID:     surveyID,
		QuestionID:   "q1",
		Response:     json.RawMessage(`{"answer": "yes"}`),
		LocationData: &domain.Location{Lat: 12.9, Lon: 77.5},
		Timestamp:    &t1,
	}, domain.LocationResolution{}))
	require.NoError(t, err)

	inserted, err := repo.Insert(ctx, later)
	require.NoError(t, err)
	assert.True(t, inserted)

	replay := *later
	inserted, err = repo.Insert(ctx, &replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = repo.Insert(ctx, earlier)
	require.NoError(t, err)
	assert.True(t, inserted)

	rows, err := repo.ListBySurvey(ctx, surveyID.String())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "q1", rows[0].QuestionID)
	assert.Equal(t, "q2", rows[1].QuestionID)
	assert.Equal(t, "yes", rows[0].Response["answer"])

	other, err := repo.ListBySurvey(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, other)
}
