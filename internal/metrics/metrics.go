package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compression metrics
var (
	CompressionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshrink_compression_runs_total",
			Help: "Total number of compress calls by chosen strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	CompressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipshrink_compression_duration_seconds",
			Help:    "Wall-clock time of compress calls",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	CompressionBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipshrink_compression_bytes_saved_total",
			Help: "Total bytes removed from inputs by successful compression",
		},
	)

	EstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshrink_estimates_total",
			Help: "Total number of estimate calls by predicted strategy",
		},
		[]string{"strategy"},
	)
)

// Engine metrics
var (
	EngineLoadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshrink_engine_load_attempts_total",
			Help: "Engine asset load attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	EngineExecDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipshrink_engine_exec_duration_seconds",
			Help:    "Time spent inside an engine encode",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"engine"},
	)

	EngineFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshrink_engine_failures_total",
			Help: "Engine failures by engine and error kind",
		},
		[]string{"engine", "kind"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipshrink_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clipshrink_progress_subscribers",
			Help: "Number of connected progress websocket clients",
		},
	)
)
