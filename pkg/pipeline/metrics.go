package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the retrieval pipeline.
type Metrics struct {
	QueriesTotal       *prometheus.CounterVec
	QueryDuration      prometheus.Histogram
	CandidatesReturned prometheus.Histogram
	CompressionRatio   prometheus.Histogram
	ConsistencyScore   prometheus.Histogram
	RepairsTotal       *prometheus.CounterVec
	IndexBuildsTotal   *prometheus.CounterVec
	IndexBuildDuration prometheus.Histogram
	IndexChunks        prometheus.Gauge
}

// NewMetrics creates and registers the collectors. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbrag",
			Name:      "queries_total",
			Help:      "Retrieval queries by outcome.",
		}, []string{"status"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbrag",
			Name:      "query_duration_seconds",
			Help:      "End-to-end retrieval latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		CandidatesReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbrag",
			Name:      "candidates_returned",
			Help:      "Context items returned per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		}),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbrag",
			Name:      "compression_ratio",
			Help:      "Tokens out over tokens in per query.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
		}),
		ConsistencyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbrag",
			Name:      "language_consistency_score",
			Help:      "Final language consistency score per query.",
			Buckets:   []float64{0.3, 0.5, 0.7, 0.8, 0.9, 1.0},
		}),
		RepairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbrag",
			Name:      "consistency_repairs_total",
			Help:      "Language self-repair attempts by outcome.",
		}, []string{"outcome"}),
		IndexBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbrag",
			Name:      "index_builds_total",
			Help:      "Index rebuilds by outcome.",
		}, []string{"status"}),
		IndexBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbrag",
			Name:      "index_build_duration_seconds",
			Help:      "Full index rebuild duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		IndexChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbrag",
			Name:      "index_chunks",
			Help:      "Chunks in the serving snapshot.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.QueriesTotal, m.QueryDuration, m.CandidatesReturned,
			m.CompressionRatio, m.ConsistencyScore, m.RepairsTotal,
			m.IndexBuildsTotal, m.IndexBuildDuration, m.IndexChunks,
		)
	}
	return m
}
