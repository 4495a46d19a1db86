package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the import/generation/
// redemption pipeline. One instance is shared by all components.
type Metrics struct {
	RowsImported    prometheus.Counter
	RowsSkipped     prometheus.Counter
	ChunksCreated   prometheus.Counter
	ChunksProcessed prometheus.Counter
	ChunksFailed    prometheus.Counter
	CodesWritten    prometheus.Counter
	CodesGenerated  prometheus.Counter
	GenerateRetries prometheus.Counter
	Redemptions     *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	ChunkDuration   prometheus.Histogram
}

// New creates and registers all pipeline metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowsImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_import_rows_total",
			Help: "Rows accepted by the importer.",
		}),
		RowsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_import_rows_skipped_total",
			Help: "Rows rejected by row validation.",
		}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_chunks_created_total",
			Help: "Import chunks persisted.",
		}),
		ChunksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_chunks_processed_total",
			Help: "Import chunks fully processed.",
		}),
		ChunksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_chunks_failed_total",
			Help: "Chunk processing attempts that failed.",
		}),
		CodesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_codes_written_total",
			Help: "Code documents written by the chunk processor.",
		}),
		CodesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_codes_generated_total",
			Help: "Codes whose artifacts reached ready.",
		}),
		GenerateRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_generation_retries_total",
			Help: "Artifact generation batches re-enqueued.",
		}),
		Redemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_redemptions_total",
			Help: "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_notifications_total",
			Help: "Post-redemption notifications by outcome.",
		}, []string{"outcome"}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkpoint_chunk_processing_seconds",
			Help:    "Wall time spent processing one chunk.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
