// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	licenseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xoffline_license_operations_total",
		Help: "License lifecycle operations by operation and outcome",
	}, []string{"op", "outcome"}) // outcome=ok|<error kind>

	licenseOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xoffline_license_operation_duration_seconds",
		Help:    "Duration of license lifecycle operations",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	drmSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xoffline_drm_sessions_open",
		Help: "DRM sessions currently open",
	})

	provisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xoffline_provisioning_total",
		Help: "Device provisioning round trips by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	licenseServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xoffline_license_server_requests_total",
		Help: "HTTP exchanges with the license server by purpose and status class",
	}, []string{"purpose", "status"}) // purpose=acquire|release|provision

	storedLicenses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xoffline_stored_licenses",
		Help: "Number of license records in the store (last enumeration)",
	})
)

// ObserveLicenseOperation records the outcome and duration of a lifecycle operation.
func ObserveLicenseOperation(op, outcome string, d time.Duration) {
	licenseOperations.WithLabelValues(op, outcome).Inc()
	licenseOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SessionOpened increments the open-session gauge.
func SessionOpened() { drmSessionsOpen.Inc() }

// SessionClosed decrements the open-session gauge.
func SessionClosed() { drmSessionsOpen.Dec() }

// RecordProvisioning counts a provisioning round trip.
func RecordProvisioning(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	provisioningTotal.WithLabelValues(outcome).Inc()
}

// RecordLicenseServerRequest counts an exchange with the license server.
func RecordLicenseServerRequest(purpose, status string) {
	licenseServerRequests.WithLabelValues(purpose, status).Inc()
}

// SetStoredLicenses records the number of stored license records.
func SetStoredLicenses(n int) {
	storedLicenses.Set(float64(n))
}
