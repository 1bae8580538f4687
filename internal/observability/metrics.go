package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "climate_etl"

// Stream label values.
const (
	StreamInventory    = "inventory"
	StreamMeasurements = "measurements"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the ingestion pipeline.
type Metrics struct {
	LinesRead       *prometheus.CounterVec // labels: stream={inventory,measurements}
	LinesRejected   *prometheus.CounterVec // labels: stream={inventory,measurements}
	LinesFiltered   *prometheus.CounterVec // labels: stream={inventory,measurements}
	PipelineRunning prometheus.Gauge

	StationsUpserted   prometheus.Counter
	StationsRegistered prometheus.Counter
	StationCache       *prometheus.CounterVec // labels: result={hit,miss}

	// Chunk processing metrics.
	ObservationsRead prometheus.Counter
	ChunksCommitted  prometheus.Counter
	ChunkFailures    prometheus.Counter
	ChunkRetries     prometheus.Counter
	FactsUpserted    prometheus.Counter
	ChunkRows        prometheus.Histogram
	ChunkDuration    prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.LinesRead,
		m.LinesRejected,
		m.LinesFiltered,
		m.PipelineRunning,
		m.StationsUpserted,
		m.StationsRegistered,
		m.StationCache,
		m.ObservationsRead,
		m.ChunksCommitted,
		m.ChunkFailures,
		m.ChunkRetries,
		m.FactsUpserted,
		m.ChunkRows,
		m.ChunkDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		LinesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Raw lines read from input files by stream.",
		}, []string{"stream"}),
		LinesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_rejected_total",
			Help:      "Lines skipped because they failed to parse, by stream.",
		}, []string{"stream"}),
		LinesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_filtered_total",
			Help:      "Well-formed lines skipped by the country filter, by stream.",
		}, []string{"stream"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while measurement ingestion is active, 0 otherwise.",
		}),
		StationsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_upserted_total",
			Help:      "Station rows written by the inventory loader.",
		}),
		StationsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_registered_total",
			Help:      "Stations auto-registered from measurement input.",
		}),
		StationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_cache_total",
			Help:      "Known-station cache lookups by result.",
		}, []string{"result"}),
		ObservationsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_read_total",
			Help:      "Monthly observations expanded from measurement lines.",
		}),
		ChunksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_committed_total",
			Help:      "Chunk transactions committed.",
		}),
		ChunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_failures_total",
			Help:      "Chunks abandoned after exhausting retries.",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk transactions re-attempted after a failure.",
		}),
		FactsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_upserted_total",
			Help:      "Fact rows inserted or overwritten.",
		}),
		ChunkRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_rows",
			Help:      "Observations per applied chunk.",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 8),
		}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Duration of a stage-aggregate-upsert chunk transaction.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}
