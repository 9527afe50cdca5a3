// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for consistent tracing across the application.
const (
	// License attributes
	LicenseContentIDKey = "license.content_id"
	LicenseOperationKey = "license.operation"
	LicensePersistKey   = "license.persist"
	LicenseMinRemaining = "license.min_remaining_s"
	LicenseRemainingKey = "license.remaining_s"
	LicenseAttemptKey   = "license.attempt"

	// DRM attributes
	DRMSchemeKey  = "drm.scheme"
	DRMSessionKey = "drm.session"

	// Download attributes
	DownloadIDKey      = "download.id"
	DownloadStateKey   = "download.state"
	DownloadPercentKey = "download.percent"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// LicenseAttributes creates license-operation span attributes.
func LicenseAttributes(op, contentID string, minRemaining int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(LicenseOperationKey, op)}
	if contentID != "" {
		attrs = append(attrs, attribute.String(LicenseContentIDKey, contentID))
	}
	if minRemaining > 0 {
		attrs = append(attrs, attribute.Int64(LicenseMinRemaining, minRemaining))
	}
	return attrs
}

// DownloadAttributes creates download-related span attributes.
func DownloadAttributes(id, state string, percent float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DownloadIDKey, id),
		attribute.String(DownloadStateKey, state),
		attribute.Float64(DownloadPercentKey, percent),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

// RecordError marks span as failed with err classified as errorType.
func RecordError(span trace.Span, err error, errorType string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(ErrorAttributes(errorType)...)
	span.SetStatus(codes.Error, err.Error())
}
