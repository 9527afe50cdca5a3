// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID  = "request_id"
	FieldContentID  = "content_id"
	FieldDownloadID = "download_id"
	FieldSessionID  = "session_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOperation = "op"
	FieldAttempt   = "attempt"

	// DRM fields
	FieldScheme    = "scheme"
	FieldErrorKind = "error_kind"
	FieldRemaining = "remaining_seconds"

	// Download fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldPercent  = "percent"
	FieldBytes    = "bytes_downloaded"
	FieldReason   = "reason"

	// Path / URL fields
	FieldPath        = "path"
	FieldManifestURL = "manifest_url"
	FieldServerURL   = "server_url"
	FieldBackend     = "backend"
)
