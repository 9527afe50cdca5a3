// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xoffline_download_verdicts_total",
		Help: "Health verdicts emitted by effective state and reason",
	}, []string{"state", "reason"})

	trackedDownloads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xoffline_tracked_downloads",
		Help: "Downloads currently tracked by effective state",
	}, []string{"state"})
)

// RecordDownloadVerdict counts a classifier verdict.
func RecordDownloadVerdict(state, reason string) {
	downloadVerdicts.WithLabelValues(state, reason).Inc()
}

// SetTrackedDownloads replaces the tracked-downloads gauge with the given counts.
func SetTrackedDownloads(counts map[string]int) {
	trackedDownloads.Reset()
	for state, n := range counts {
		trackedDownloads.WithLabelValues(state).Set(float64(n))
	}
}
