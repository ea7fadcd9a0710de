package jobs

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/retry"
	"github.com/timmy/surveyflow/internal/storage"
)

// CSVHeader is the first line of every CSV export.
var CSVHeader = []string{
	"survey_id", "question_id", "user_id", "timestamp", "lat", "lon",
	"village_id", "panchayat_id", "constituency_id", "response",
}

// ResponseSource lists the loaded responses of a survey.
type ResponseSource interface {
	ListBySurvey(ctx context.Context, surveyID string) ([]domain.SurveyResponse, error)
}

// ExportConfig controls artifact naming and upload behaviour.
type ExportConfig struct {
	KeyPrefix     string
	UploadTimeout time.Duration
	StoreTimeout  time.Duration
	Retry         retry.Policy
}

// ExportHandler renders a survey's responses to CSV and uploads the artifact.
type ExportHandler struct {
	responses ResponseSource
	storage   storage.ObjectStorage
	renderer  *CSVRenderer
	cfg       ExportConfig
	log       *logger.Logger
}

// NewExportHandler creates the handler for domain.JobKindExport.
func NewExportHandler(responses ResponseSource, objectStorage storage.ObjectStorage, cfg ExportConfig, log *logger.Logger) *ExportHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ExportHandler{
		responses: responses,
		storage:   objectStorage,
		renderer:  &CSVRenderer{},
		cfg:       cfg,
		log:       log.Component("export"),
	}
}

// Run uploads the rendered export of job.SurveyID under ArtifactKey and
// returns the store's URL for it. Upload attempts are added to job.Attempts.
func (h *ExportHandler) Run(ctx context.Context, job *domain.ExportJob) (string, error) {
	rows, err := retry.CallWithTimeout(ctx, h.cfg.StoreTimeout, func(ctx context.Context) ([]domain.SurveyResponse, error) {
		return h.responses.ListBySurvey(ctx, job.SurveyID)
	})
	if err != nil {
		return "", fmt.Errorf("load survey responses: %w", err)
	}

	body, err := h.renderer.Render(rows)
	if err != nil {
		return "", fmt.Errorf("render csv: %w", err)
	}

	key := ArtifactKey(h.cfg.KeyPrefix, job.SurveyID, job.ID, h.renderer.Extension())
	log := logger.FromContextOr(ctx, h.log).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"key":             key,
		logger.FieldCount: len(rows),
		logger.FieldSize:  len(body),
	})

	var url string
	attempts, err := retry.Do(ctx, h.cfg.Retry, func(ctx context.Context, attempt int) error {
		u, putErr := retry.CallWithTimeout(ctx, h.cfg.UploadTimeout, func(ctx context.Context) (string, error) {
			return h.storage.Put(ctx, key, body, h.renderer.ContentType())
		})
		if putErr != nil {
			log.WithError(putErr).WithField(logger.FieldAttempt, attempt).Warn("Export upload attempt failed")
			return putErr
		}
		url = u
		return nil
	})
	job.Attempts += attempts
	if err != nil {
		return "", fmt.Errorf("upload %s after %d attempt(s): %w", key, attempts, err)
	}

	log.Debug("Export artifact uploaded")
	return url, nil
}

// ArtifactKey builds the object key <prefix>/<surveyID>/<jobID>.<ext>.
// The key is a function of the job alone so retried uploads overwrite.
func ArtifactKey(prefix, surveyID, jobID, ext string) string {
	name := jobID
	if ext != "" {
		name += "." + ext
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(surveyID, name)
	}
	return path.Join(prefix, surveyID, name)
}

// CSVRenderer encodes survey responses as CSV.
type CSVRenderer struct{}

// ContentType returns the MIME type of rendered artifacts.
func (*CSVRenderer) ContentType() string { return "text/csv" }

// Extension returns the file extension of rendered artifacts.
func (*CSVRenderer) Extension() string { return "csv" }

// Render writes CSVHeader followed by one line per row, ordered by response
// time. Rows without a timestamp sort last.
func (*CSVRenderer) Render(rows []domain.SurveyResponse) ([]byte, error) {
	sorted := make([]domain.SurveyResponse, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].RespondedAt, sorted[j].RespondedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, err
	}

	for _, row := range sorted {
		answer, err := json.Marshal(row.Response)
		if err != nil {
			return nil, fmt.Errorf("encode response %s: %w", row.ID, err)
		}
		var ts string
		if row.RespondedAt != nil {
			ts = row.RespondedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			row.SurveyID,
			row.QuestionID,
			row.UserID,
			ts,
			strconv.FormatFloat(row.Lat, 'f', -1, 64),
			strconv.FormatFloat(row.Lon, 'f', -1, 64),
			row.VillageID,
			row.PanchayatID,
			row.ConstituencyID,
			string(answer),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
