package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the ops HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the export job ID
	FieldJobID = "job_id"

	// FieldJobKind is the job variant tag
	FieldJobKind = "job_kind"

	// FieldSurveyID is the survey the event or job belongs to
	FieldSurveyID = "survey_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldTopic, FieldPartition and FieldOffset locate a bus message for replay
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldOffset    = "offset"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the retry attempt number
	FieldAttempt = "attempt"
)
