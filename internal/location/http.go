package location

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/timmy/surveyflow/internal/domain"
)

const resolvePath = "/v1/resolve"

// HTTPConfig configures the geocoding service client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// HTTPResolver asks a remote geocoding service for the region of a coordinate.
type HTTPResolver struct {
	client *resty.Client
}

type resolveResponse struct {
	VillageID      string `json:"village_id"`
	PanchayatID    string `json:"panchayat_id"`
	ConstituencyID string `json:"constituency_id"`
	Error          string `json:"error,omitempty"`
}

// NewHTTPResolver creates a resolver against cfg.BaseURL.
func NewHTTPResolver(cfg *HTTPConfig) *HTTPResolver {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.RetryCount > 0 {
		client.SetRetryCount(cfg.RetryCount)
		client.SetRetryWaitTime(100 * time.Millisecond)
		client.AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	}

	return &HTTPResolver{client: client}
}

func (r *HTTPResolver) Resolve(ctx context.Context, lat, lon float64) (domain.LocationResolution, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return domain.LocationResolution{}, err
	}

	var body resolveResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat": strconv.FormatFloat(lat, 'f', -1, 64),
			"lon": strconv.FormatFloat(lon, 'f', -1, 64),
		}).
		SetResult(&body).
		SetError(&body).
		Get(resolvePath)
	if err != nil {
		return domain.LocationResolution{}, fmt.Errorf("failed to call location service: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.LocationResolution{}, fmt.Errorf("%w: lat=%v lon=%v", ErrNoRegion, lat, lon)
	case resp.StatusCode() != http.StatusOK:
		if body.Error != "" {
			return domain.LocationResolution{}, fmt.Errorf("location service error: %s", body.Error)
		}
		return domain.LocationResolution{}, fmt.Errorf("location service error: status %d", resp.StatusCode())
	}

	return body.toResolution()
}

func (b resolveResponse) toResolution() (domain.LocationResolution, error) {
	var res domain.LocationResolution
	var err error
	if res.VillageID, err = uuid.Parse(b.VillageID); err != nil {
		return res, fmt.Errorf("location service returned bad village id: %w", err)
	}
	if res.PanchayatID, err = uuid.Parse(b.PanchayatID); err != nil {
		return res, fmt.Errorf("location service returned bad panchayat id: %w", err)
	}
	if res.ConstituencyID, err = uuid.Parse(b.ConstituencyID); err != nil {
		return res, fmt.Errorf("location service returned bad constituency id: %w", err)
	}
	return res, nil
}
