package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/repository"
	"github.com/timmy/surveyflow/internal/retry"
	"github.com/timmy/surveyflow/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type putCall struct {
	key         string
	body        []byte
	contentType string
}

// fakeStorage fails the first len(errs) puts with the queued errors.
type fakeStorage struct {
	mu   sync.Mutex
	puts []putCall
	errs []error
	url  string
}

func (s *fakeStorage) Put(_ context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, putCall{key: key, body: body, contentType: contentType})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return s.url, nil
}

func (s *fakeStorage) EnsureBucket(context.Context) error { return nil }

func (s *fakeStorage) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

type staticResponses struct {
	rows []domain.SurveyResponse
	err  error
}

func (r staticResponses) ListBySurvey(context.Context, string) ([]domain.SurveyResponse, error) {
	return r.rows, r.err
}

func testExportConfig() ExportConfig {
	return ExportConfig{
		KeyPrefix:     "exports",
		UploadTimeout: time.Second,
		StoreTimeout:  time.Second,
		Retry:         retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func newTestRunner(store JobStore, objectStorage storage.ObjectStorage) *Runner {
	export := NewExportHandler(staticResponses{}, objectStorage, testExportConfig(), logger.NewNop())
	r := NewRunner(store, map[domain.JobKind]Handler{domain.JobKindExport: export}, RunnerConfig{StoreTimeout: time.Second}, logger.NewNop(), nil)
	r.now = func() time.Time { return t0.Add(time.Minute) }
	return r
}

func seedJob(t *testing.T, store *repository.MemoryExportJobRepository, id, surveyID string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), domain.NewExportJob(id, surveyID, "", t0)))
}

func getJob(t *testing.T, store JobStore, id string) *domain.ExportJob {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestHandleTriggerCompletesJob(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	objects := storage.NewMemoryStorage("survey-exports", "https://store/")
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))

	job := getJob(t, store, "J1")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ArtifactURL)
	assert.Equal(t, "https://store/exports/S1/J1.csv", *job.ArtifactURL)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, t0.Add(time.Minute), *job.CompletedAt)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LastError)
	assert.EqualValues(t, 2, job.Version)

	body, contentType, ok := objects.Object("exports/S1/J1.csv")
	require.True(t, ok)
	assert.Equal(t, "text/csv", contentType)
	assert.Equal(t, "survey_id,question_id,user_id,timestamp,lat,lon,village_id,panchayat_id,constituency_id,response\n", string(body))
}

func TestHandleTriggerUnknownJob(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	objects := &fakeStorage{url: "https://store/x"}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "missing"))
	assert.Zero(t, objects.calls())
}

func TestHandleTriggerUploadFailure(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	boom := errors.New("s3 unavailable")
	objects := &fakeStorage{errs: []error{boom, boom, boom}}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))

	job := getJob(t, store, "J1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Nil(t, job.ArtifactURL)
	require.NotNil(t, job.CompletedAt)
	assert.Contains(t, job.LastError, "s3 unavailable")
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, objects.calls())
}

func TestHandleTriggerRetriesTransientUpload(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	objects := &fakeStorage{errs: []error{errors.New("timeout")}, url: "https://store/exports/S1/J1.csv"}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))

	job := getJob(t, store, "J1")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
	for _, put := range objects.puts {
		assert.Equal(t, "exports/S1/J1.csv", put.key)
	}
}

func TestHandleTriggerRedeliveryIsNoop(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	objects := &fakeStorage{url: "https://store/exports/S1/J1.csv"}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
	first := getJob(t, store, "J1")

	r.now = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
	second := getJob(t, store, "J1")

	assert.Equal(t, first, second)
	assert.Equal(t, 1, objects.calls())
}

func TestHandleTriggerSkipsFailedAndProcessing(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusFailed, domain.JobStatusProcessing} {
		t.Run(string(status), func(t *testing.T) {
			store := repository.NewMemoryExportJobRepository()
			job := domain.NewExportJob("J1", "S1", "", t0)
			job.Status = status
			require.NoError(t, store.Create(context.Background(), job))
			objects := &fakeStorage{url: "u"}
			r := newTestRunner(store, objects)

			require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
			assert.Equal(t, status, getJob(t, store, "J1").Status)
			assert.Zero(t, objects.calls())
		})
	}
}

// racingStore runs race just before the first compare-and-swap.
type racingStore struct {
	*repository.MemoryExportJobRepository
	race func()
}

func (s *racingStore) CompareAndSwap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error {
	if race := s.race; race != nil {
		s.race = nil
		race()
	}
	return s.MemoryExportJobRepository.CompareAndSwap(ctx, job, from)
}

func TestHandleTriggerLosesClaimRace(t *testing.T) {
	mem := repository.NewMemoryExportJobRepository()
	seedJob(t, mem, "J1", "S1")
	store := &racingStore{MemoryExportJobRepository: mem}
	store.race = func() {
		other := getJob(t, mem, "J1")
		require.NoError(t, other.MarkProcessing(t0))
		require.NoError(t, mem.CompareAndSwap(context.Background(), other, domain.JobStatusPending))
	}
	objects := &fakeStorage{url: "u"}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
	assert.Zero(t, objects.calls())
	assert.Equal(t, domain.JobStatusProcessing, getJob(t, mem, "J1").Status)
}

func TestHandleTriggerShutdownLeavesProcessing(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(store, map[domain.JobKind]Handler{
		domain.JobKindExport: HandlerFunc(func(ctx context.Context, _ *domain.ExportJob) (string, error) {
			cancel()
			return "", ctx.Err()
		}),
	}, RunnerConfig{}, nil, nil)

	err := r.HandleTrigger(ctx, "J1")
	assert.ErrorIs(t, err, context.Canceled)

	job := getJob(t, store, "J1")
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Nil(t, job.CompletedAt)
}

// flakyFinishStore fails the first failures compare-and-swaps out of PROCESSING.
type flakyFinishStore struct {
	*repository.MemoryExportJobRepository
	failures int
}

func (s *flakyFinishStore) CompareAndSwap(ctx context.Context, job *domain.ExportJob, from domain.JobStatus) error {
	if from == domain.JobStatusProcessing && s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.MemoryExportJobRepository.CompareAndSwap(ctx, job, from)
}

func TestHandleTriggerRetriesFinishWrite(t *testing.T) {
	mem := repository.NewMemoryExportJobRepository()
	seedJob(t, mem, "J1", "S1")
	store := &flakyFinishStore{MemoryExportJobRepository: mem, failures: 1}
	objects := &fakeStorage{url: "https://store/exports/S1/J1.csv"}
	export := NewExportHandler(staticResponses{}, objects, testExportConfig(), nil)
	r := NewRunner(store, map[domain.JobKind]Handler{domain.JobKindExport: export}, RunnerConfig{
		StoreTimeout: time.Second,
		FinishRetry:  retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}, nil, nil)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))

	job := getJob(t, mem, "J1")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ArtifactURL)
	assert.Equal(t, "https://store/exports/S1/J1.csv", *job.ArtifactURL)
	assert.Equal(t, 1, objects.calls())
	assert.Zero(t, store.failures)
}

func TestHandleTriggerFinishWriteGivesUp(t *testing.T) {
	mem := repository.NewMemoryExportJobRepository()
	seedJob(t, mem, "J1", "S1")
	store := &flakyFinishStore{MemoryExportJobRepository: mem, failures: 10}
	r := NewRunner(store, map[domain.JobKind]Handler{
		domain.JobKindExport: HandlerFunc(func(context.Context, *domain.ExportJob) (string, error) {
			return "https://store/x.csv", nil
		}),
	}, RunnerConfig{FinishRetry: retry.Policy{MaxAttempts: 2}}, nil, nil)

	err := r.HandleTrigger(context.Background(), "J1")
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 8, store.failures)
	assert.Equal(t, domain.JobStatusProcessing, getJob(t, mem, "J1").Status)
}

func TestHandleTriggerDeadlineFailsJob(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	r := NewRunner(store, map[domain.JobKind]Handler{
		domain.JobKindExport: HandlerFunc(func(ctx context.Context, _ *domain.ExportJob) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}, RunnerConfig{StoreTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, r.HandleTrigger(ctx, "J1"))

	job := getJob(t, store, "J1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, context.DeadlineExceeded.Error())
	assert.NotNil(t, job.CompletedAt)

	require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
	assert.Equal(t, domain.JobStatusFailed, getJob(t, store, "J1").Status)
}

func TestHandleTriggerShutdownAfterSuccessCompletes(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(store, map[domain.JobKind]Handler{
		domain.JobKindExport: HandlerFunc(func(context.Context, *domain.ExportJob) (string, error) {
			cancel()
			return "https://store/x.csv", nil
		}),
	}, RunnerConfig{}, nil, nil)

	require.NoError(t, r.HandleTrigger(ctx, "J1"))
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, store, "J1").Status)
}

func TestHandleTriggerHandlerFailures(t *testing.T) {
	tests := []struct {
		name     string
		handlers map[domain.JobKind]Handler
		wantErr  string
	}{
		{
			name:     "unknown kind",
			handlers: map[domain.JobKind]Handler{},
			wantErr:  ErrUnknownKind.Error(),
		},
		{
			name: "handler panic",
			handlers: map[domain.JobKind]Handler{
				domain.JobKindExport: HandlerFunc(func(context.Context, *domain.ExportJob) (string, error) {
					panic("renderer exploded")
				}),
			},
			wantErr: "renderer exploded",
		},
		{
			name: "empty artifact url",
			handlers: map[domain.JobKind]Handler{
				domain.JobKindExport: HandlerFunc(func(context.Context, *domain.ExportJob) (string, error) {
					return "", nil
				}),
			},
			wantErr: "artifact url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryExportJobRepository()
			seedJob(t, store, "J1", "S1")
			r := NewRunner(store, tt.handlers, RunnerConfig{}, nil, nil)

			require.NoError(t, r.HandleTrigger(context.Background(), "J1"))
			job := getJob(t, store, "J1")
			assert.Equal(t, domain.JobStatusFailed, job.Status)
			assert.Contains(t, job.LastError, tt.wantErr)
			assert.NotNil(t, job.CompletedAt)
		})
	}
}

type unavailableStore struct {
	*repository.MemoryExportJobRepository
}

func (unavailableStore) Get(context.Context, string) (*domain.ExportJob, error) {
	return nil, errors.New("connection refused")
}

func TestHandleTriggerStoreUnavailable(t *testing.T) {
	r := newTestRunner(unavailableStore{repository.NewMemoryExportJobRepository()}, &fakeStorage{})
	err := r.HandleTrigger(context.Background(), "J1")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunnerHandleMessage(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	seedJob(t, store, "J1", "S1")
	objects := &fakeStorage{url: "https://store/exports/S1/J1.csv"}
	r := newTestRunner(store, objects)

	require.NoError(t, r.HandleMessage(context.Background(), bus.Message{Value: []byte(`"J1"`)}))
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, store, "J1").Status)

	require.NoError(t, r.HandleMessage(context.Background(), bus.Message{Value: []byte("  ")}))
	assert.Equal(t, 1, objects.calls())
}
