package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the content pipeline job ID
	FieldJobID = "job_id"

	// FieldStage is the pipeline stage name
	FieldStage = "stage"

	// FieldAccountID is the pooled account ID
	FieldAccountID = "account_id"

	// FieldPoolID is the account pool ID
	FieldPoolID = "pool_id"

	// FieldPlatform is the publishing platform
	FieldPlatform = "platform"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldOwner is the job owner
	FieldOwner = "owner"
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
)
