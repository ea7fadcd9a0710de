package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Location is a WGS84 coordinate pair attached to a survey response.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RawSurveyEvent is the inbound survey response as published by collection
// clients. Unknown JSON fields are ignored on decode.
// A nil SurveyID or LocationData means the field was absent. Response is kept
// as the client sent it so numbers pass through without loss.
type RawSurveyEvent struct {
	SurveyID     uuid.UUID       `json:"survey_id"`
	QuestionID   string          `json:"question_id,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	LocationData *Location       `json:"location_data"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

// LocationResolution is the administrative region triple a coordinate falls into.
type LocationResolution struct {
	VillageID      uuid.UUID `json:"village_id"`
	PanchayatID    uuid.UUID `json:"panchayat_id"`
	ConstituencyID uuid.UUID `json:"constituency_id"`
}

// EnrichedSurveyEvent is a RawSurveyEvent plus its resolved region ids. The
// JSON form is a superset of the raw event.
type EnrichedSurveyEvent struct {
	RawSurveyEvent
	LocationResolution
}

// Enrich pairs a raw event with its resolved location.
func Enrich(raw RawSurveyEvent, loc LocationResolution) EnrichedSurveyEvent {
	return EnrichedSurveyEvent{RawSurveyEvent: raw, LocationResolution: loc}
}
