// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassesTotal counts transcription passes by trigger (threshold/flush) and
	// outcome (success/error)
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictation_passes_total",
			Help: "Total number of transcription passes by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// DecodeMissesTotal counts chunks whose accumulated buffer could not be measured yet
	DecodeMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dictation_decode_misses_total",
			Help: "Total number of chunks whose buffer was not yet a decodable container",
		},
	)

	DroppedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dictation_dropped_chunks_total",
			Help: "Total number of chunks dropped while a session was paused",
		},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dictation_pass_duration_seconds",
			Help:    "Wall time of capability calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"capability"},
	)

	AudioSecondsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dictation_audio_seconds_total",
			Help: "Seconds of streamed audio consumed by passes",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dictation_active_sessions",
			Help: "Number of live streaming sessions",
		},
	)

	// BatchJobsTotal counts batch requests by source (http/inbox) and status
	BatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictation_batch_jobs_total",
			Help: "Total number of batch transcriptions by source and status",
		},
		[]string{"source", "status"},
	)
)

func RecordPass(trigger string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	PassesTotal.WithLabelValues(trigger, outcome).Inc()
}

func RecordDuration(capability string, seconds float64) {
	PassDuration.WithLabelValues(capability).Observe(seconds)
}

func RecordBatch(source string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	BatchJobsTotal.WithLabelValues(source, status).Inc()
}
