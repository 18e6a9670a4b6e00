package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the indexer.
type Metrics struct {
	// --- Engine ---
	EventsApplied   *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	LastOrderKey    prometheus.Gauge
	CandleUpdates   *prometheus.CounterVec
	LRUHits         prometheus.Counter
	LRUSize         prometheus.Gauge

	// --- Store ---
	StoreCommitDuration prometheus.Histogram
	StoreRowsWritten    prometheus.Counter
	StoreErrors         *prometheus.CounterVec

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestRetries  prometheus.Counter
	IngestLag      prometheus.Histogram

	// --- Projection ---
	ProjectionErrors   *prometheus.CounterVec
	ProjectionDuration *prometheus.HistogramVec
	StreamClients      prometheus.Gauge

	// --- Checkpoint archive ---
	ExportsTaken    prometheus.Counter
	ExportSizeBytes prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so that repeated construction does not panic.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_events_applied_total",
			Help: "Events applied to the entity store",
		}, []string{"kind"}),

		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_events_duplicate_total",
			Help: "Redelivered events skipped as already applied",
		}, []string{"kind"}),

		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_events_failed_total",
			Help: "Events rejected or aborted",
		}, []string{"kind", "reason"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_indexer_apply_duration_seconds",
			Help:    "Time to apply one event including commit",
			Buckets: applyBuckets,
		}, []string{"kind"}),

		LastOrderKey: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_indexer_last_order_key",
			Help: "Order key of the last applied event",
		}),

		CandleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_candle_updates_total",
			Help: "Candle bucket upserts",
		}, []string{"resolution"}),

		LRUHits: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_indexer_idempotency_lru_hits_total",
			Help: "Duplicates caught by the in-memory LRU",
		}),

		LRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_indexer_idempotency_lru_size",
			Help: "Current LRU occupancy",
		}),

		StoreCommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_indexer_store_commit_duration_seconds",
			Help:    "Entity store commit duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		StoreRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_indexer_store_rows_written_total",
			Help: "Entity documents upserted",
		}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_store_errors_total",
			Help: "Entity store failures by stage",
		}, []string{"stage"}),

		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_ingest_received_total",
			Help: "Events received from the source",
		}, []string{"source"}),

		IngestRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_indexer_ingest_retries_total",
			Help: "Apply retries after store failures",
		}),

		IngestLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_indexer_ingest_lag_seconds",
			Help:    "Wall clock minus block timestamp at apply time",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_projection_errors_total",
			Help: "Projection sink failures",
		}, []string{"sink"}),

		ProjectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_indexer_projection_duration_seconds",
			Help:    "Projection sink update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"sink"}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_indexer_stream_clients",
			Help: "Connected websocket subscribers",
		}),

		ExportsTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_indexer_checkpoint_exports_total",
			Help: "Checkpoint exports written",
		}),

		ExportSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_indexer_checkpoint_export_size_bytes",
			Help: "Size of the last checkpoint export",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_indexer_query_requests_total",
			Help: "Query API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_indexer_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"route"}),
	}
}
