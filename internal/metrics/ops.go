// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xoffline_ops_ratelimit_exceeded_total",
	Help: "Ops API requests rejected by the rate limiter",
}, []string{"limit_type"})

// RecordRateLimited counts a rejected ops request. limitType is "global",
// "per_client" or "window".
func RecordRateLimited(limitType string) {
	rateLimitExceeded.WithLabelValues(limitType).Inc()
}
