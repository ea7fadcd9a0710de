package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// responseNamespace seeds the name-based ids of loaded survey responses.
var responseNamespace = uuid.MustParse("6f1c3a0e-9d3b-5b8e-a7c2-2f4e8d1b0c55")

// ResponsePayload is a custom type for storing the opaque answer map as JSON.
type ResponsePayload map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (p ResponsePayload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (p *ResponsePayload) Scan(value interface{}) error {
	if value == nil {
		*p = ResponsePayload{}
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ResponsePayload")
		}
		data = []byte(str)
	}
	decoded, err := DecodeResponsePayload(data)
	if err != nil {
		return err
	}
	if decoded == nil {
		decoded = ResponsePayload{}
	}
	*p = decoded
	return nil
}

// DecodeResponsePayload parses an answer object. Numbers are kept as
// json.Number so integers beyond float64 precision survive a round trip.
// An empty or null input yields a nil payload.
func DecodeResponsePayload(raw []byte) (ResponsePayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("response must be a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var p ResponsePayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response payload: %w", err)
	}
	return p, nil
}

// SurveyResponse is one enriched survey event as loaded into the analytics store.
type SurveyResponse struct {
	ID             string          `gorm:"type:text;primaryKey" json:"id"`
	SurveyID       string          `gorm:"type:text;not null;index" json:"survey_id"`
	QuestionID     string          `gorm:"type:text" json:"question_id"`
	UserID         string          `gorm:"type:text" json:"user_id,omitempty"`
	Response       ResponsePayload `gorm:"type:text" json:"response"`
	Lat            float64         `json:"lat"`
	Lon            float64         `json:"lon"`
	VillageID      string          `gorm:"type:text;index" json:"village_id"`
	PanchayatID    string          `gorm:"type:text" json:"panchayat_id"`
	ConstituencyID string          `gorm:"type:text" json:"constituency_id"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TableName returns the database table name for SurveyResponse.
func (SurveyResponse) TableName() string {
	return "survey_responses"
}

// NewSurveyResponse flattens an enriched event into a row. The id is derived
// from the event content, so redelivered events map onto the same row.
func NewSurveyResponse(e EnrichedSurveyEvent) (*SurveyResponse, error) {
	payload, err := DecodeResponsePayload(e.Response)
	if err != nil {
		return nil, err
	}
	id, err := ResponseID(e)
	if err != nil {
		return nil, err
	}

	row := &SurveyResponse{
		ID:             id,
		SurveyID:       e.SurveyID.String(),
		QuestionID:     e.QuestionID,
		Response:       payload,
		VillageID:      e.VillageID.String(),
		PanchayatID:    e.PanchayatID.String(),
		ConstituencyID: e.ConstituencyID.String(),
		RespondedAt:    e.Timestamp,
	}
	if e.UserID != nil {
		row.UserID = e.UserID.String()
	}
	if e.LocationData != nil {
		row.Lat = e.LocationData.Lat
		row.Lon = e.LocationData.Lon
	}
	return row, nil
}

// ResponseID returns the deterministic row id for an enriched event.
// Parameters:
//   - e: enriched event.
// Returns:
//   - string: UUIDv5 over the event's identifying fields and answer payload.
//   - error: non-nil if the answer payload is not a JSON object.
func ResponseID(e EnrichedSurveyEvent) (string, error) {
	decoded, err := DecodeResponsePayload(e.Response)
	if err != nil {
		return "", err
	}
	// Re-encoding sorts keys, so equal answers hash alike regardless of key order.
	payload, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("encode response payload: %w", err)
	}

	parts := []string{e.SurveyID.String(), e.QuestionID}
	if e.UserID != nil {
		parts = append(parts, e.UserID.String())
	} else {
		parts = append(parts, "")
	}
	if e.Timestamp != nil {
		parts = append(parts, e.Timestamp.UTC().Format(time.RFC3339Nano))
	} else {
		parts = append(parts, "")
	}
	if e.LocationData != nil {
		parts = append(parts,
			strconv.FormatFloat(e.LocationData.Lat, 'f', -1, 64),
			strconv.FormatFloat(e.LocationData.Lon, 'f', -1, 64))
	}
	parts = append(parts, string(payload))

	return uuid.NewSHA1(responseNamespace, []byte(strings.Join(parts, "|"))).String(), nil
}
