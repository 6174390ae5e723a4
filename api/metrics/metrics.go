// Package metrics holds the Prometheus collectors of the transform service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotransform_jobs_queued",
		Help: "Deferred jobs waiting for a free worker",
	})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotransform_jobs_running",
		Help: "Deferred jobs currently inside the transformer",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotransform_jobs_completed_total",
		Help: "Deferred jobs finished, by outcome",
	}, []string{"outcome"})

	TransformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geotransform_transform_duration_seconds",
		Help:    "Wall-clock duration of transformer calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"mode", "src_type"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotransform_transform_requests_total",
		Help: "Transform requests by response mode and HTTP status",
	}, []string{"mode", "code"})
)

// Outcome labels JobsCompleted.
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
