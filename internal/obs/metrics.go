// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TilesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tiles_uploaded_total",
		Help: "Total number of tiles uploaded to the tile bucket",
	})
	CuboidsUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cuboids_uploaded_total",
		Help: "Total number of cuboids uploaded to the volumetric bucket",
	})
	TasksFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_fetched_total",
		Help: "Total number of tasks received from the work queue",
	})
	TasksEmptyPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_empty_polls_total",
		Help: "Total number of work-queue polls that returned no task",
	})
	CredentialRejoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credential_rejoins_total",
		Help: "Total number of worker joins, the initial join and every credential-refresh rejoin",
	})
	AccessDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_denied_total",
		Help: "Total number of AccessDenied errors observed during upload",
	})
	InvalidAccessKeyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invalid_access_key_total",
		Help: "Total number of InvalidAccessKeyId errors observed during upload",
	})
	TileUploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tile_upload_duration_seconds",
		Help:    "Histogram of tile upload durations",
		Buckets: prometheus.DefBuckets,
	})
	ChunkUploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunk_upload_duration_seconds",
		Help:    "Histogram of full-chunk (all cuboids) upload durations",
		Buckets: prometheus.DefBuckets,
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of tasks recovered by the reaper from abandoned processing lists",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Most recently observed current_message_count from get_job_status",
	})
	TileRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tile_rate",
		Help: "Smoothed tiles-per-interval rate computed by the coordinator's monitoring loop",
	})
)

func init() {
	prometheus.MustRegister(
		TilesUploaded, CuboidsUploaded, TasksFetched, TasksEmptyPolls,
		CredentialRejoins, AccessDeniedTotal, InvalidAccessKeyTotal,
		TileUploadDuration, ChunkUploadDuration,
		CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
		QueueDepth, TileRate,
	)
}
