// Package metrics holds the prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchResults counts resolved requests by query kind and status
	FetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hipsview_fetch_results_total",
		Help: "Resolved fetch requests by kind and status",
	}, []string{"kind", "status"})

	// FetchBytes counts payload bytes read from the network
	FetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hipsview_fetch_bytes_total",
		Help: "Bytes downloaded from HiPS servers",
	})

	// FetchDuration tracks network fetch latency
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hipsview_fetch_duration_seconds",
		Help:    "HTTP fetch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// CacheHits counts tile payloads served without the network
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hipsview_cache_hits_total",
		Help: "Tile payloads served from a cache layer",
	}, []string{"layer"})

	// InFlight is the number of requests admitted by the downloader
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hipsview_fetch_in_flight",
		Help: "Requests currently in flight",
	})

	// QueueDropped counts queries dropped by the fetch queue on overflow
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hipsview_queue_dropped_total",
		Help: "Tile queries dropped because the fetch queue was full",
	})

	// QueueLength is the number of pending queries
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hipsview_queue_length",
		Help: "Pending tile queries",
	})

	// TextureEvictions counts slot reuses per survey
	TextureEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hipsview_texture_evictions_total",
		Help: "Texture slots repurposed for another cell",
	}, []string{"survey"})

	// TexturesResident is the number of allocated texture slots per survey
	TexturesResident = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hipsview_textures_resident",
		Help: "Allocated texture slots",
	}, []string{"survey"})

	// VisibleCells is the number of cells in view per survey
	VisibleCells = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hipsview_visible_cells",
		Help: "HEALPix cells in the field of view",
	}, []string{"survey"})

	// UploadsRun counts executor tasks run
	UploadsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hipsview_uploads_run_total",
		Help: "Tile uploads run by the executor",
	})

	// UploadsDeferred is the number of uploads left for later frames
	UploadsDeferred = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hipsview_uploads_deferred",
		Help: "Tile uploads deferred to the next frame",
	})

	// FrameDuration tracks the time spent in one frame
	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hipsview_frame_duration_seconds",
		Help:    "Frame duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
)
