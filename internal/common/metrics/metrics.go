// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineStagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stages_completed_total",
			Help: "Total number of pipeline stages completed",
		},
		[]string{"stage"},
	)

	PipelineStagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stages_failed_total",
			Help: "Total number of pipeline stages failed",
		},
		[]string{"stage", "error_code"},
	)

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_stage_duration_seconds",
			Help: "Duration of pipeline stage processing in seconds",
		},
		[]string{"stage"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of chat completion calls per provider",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_healthy",
			Help: "Provider health from the latest check, 1 healthy 0 unhealthy",
		},
		[]string{"provider"},
	)

	TelemetryRowsReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_rows_returned",
			Help:    "Number of aggregated rows returned per telemetry query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		},
		[]string{"aggregation"},
	)
)
