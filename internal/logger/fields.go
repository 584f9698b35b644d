package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields carried on the context logger through a call chain.
const (
	FieldRequestID  = "request_id"
	FieldJobID      = "job_id"
	FieldUserID     = "user_id"
	FieldResourceID = "resource_id"
	FieldComponent  = "component"
	FieldWorkerID   = "worker_id"
)

// Metric fields attached through the Entry API.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldPercent    = "percent"
)
