// Package location maps coordinates to administrative region ids.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/timmy/surveyflow/internal/domain"
)

// ErrNoRegion is returned when a coordinate does not fall in any known region.
var ErrNoRegion = errors.New("no region for coordinates")

// Resolver resolves a coordinate to its region triple. Implementations must be
// safe for concurrent use and return the same result for the same input.
type Resolver interface {
	Resolve(ctx context.Context, lat, lon float64) (domain.LocationResolution, error)
}

// ValidateCoordinates rejects values outside the WGS84 range.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("coordinates out of range: lat=%v lon=%v", lat, lon)
	}
	return nil
}

// StaticResolver answers every valid coordinate with one configured region.
// It backs local runs and environments without a geocoding service.
type StaticResolver struct {
	resolution domain.LocationResolution
}

// NewStaticResolver parses the configured region ids.
func NewStaticResolver(villageID, panchayatID, constituencyID string) (*StaticResolver, error) {
	var res domain.LocationResolution
	var err error
	if res.VillageID, err = uuid.Parse(villageID); err != nil {
		return nil, fmt.Errorf("static village id: %w", err)
	}
	if res.PanchayatID, err = uuid.Parse(panchayatID); err != nil {
		return nil, fmt.Errorf("static panchayat id: %w", err)
	}
	if res.ConstituencyID, err = uuid.Parse(constituencyID); err != nil {
		return nil, fmt.Errorf("static constituency id: %w", err)
	}
	return &StaticResolver{resolution: res}, nil
}

// Resolve returns the configured triple for any valid coordinate.
func (r *StaticResolver) Resolve(_ context.Context, lat, lon float64) (domain.LocationResolution, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return domain.LocationResolution{}, err
	}
	return r.resolution, nil
}
