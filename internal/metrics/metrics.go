// Package metrics defines the Prometheus instruments for the engine and the
// retrieval subsystem. All instruments are registered on a private registry
// exposed through Registry() so embedding applications choose where to mount
// the handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the engine records.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	NodeDuration      *prometheus.HistogramVec
	RetrievalTasks    prometheus.Counter
	RetrievalFailures *prometheus.CounterVec
	EvidenceKept      prometheus.Histogram
	CacheOps          *prometheus.CounterVec
	DocumentsIndexed  *prometheus.CounterVec
	ChunksIndexed     prometheus.Counter
	SearchRequests    *prometheus.CounterVec
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "turns_total",
			Help:      "Conversation turns processed, by outcome.",
		}, []string{"status"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evidenceflow",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"intent"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evidenceflow",
			Name:      "node_duration_seconds",
			Help:      "Per-node execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"node"}),
		RetrievalTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "retrieval_tasks_total",
			Help:      "Retrieval tasks fanned out across all turns.",
		}),
		RetrievalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "retrieval_failures_total",
			Help:      "Per-task retrieval and search failures that degraded to empty results.",
		}, []string{"kind"}),
		EvidenceKept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "evidenceflow",
			Name:      "evidence_kept_per_turn",
			Help:      "Evidence entries surviving relevance evaluation per turn.",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "embedding_cache_ops_total",
			Help:      "Embedding cache hits and misses by namespace.",
		}, []string{"namespace", "result"}),
		DocumentsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "documents_indexed_total",
			Help:      "Documents processed by the indexer, by outcome.",
		}, []string{"outcome"}),
		ChunksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "chunks_indexed_total",
			Help:      "Chunks written to the vector store.",
		}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidenceflow",
			Name:      "web_search_requests_total",
			Help:      "Web search requests, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.NodeDuration,
		m.RetrievalTasks,
		m.RetrievalFailures,
		m.EvidenceKept,
		m.CacheOps,
		m.DocumentsIndexed,
		m.ChunksIndexed,
		m.SearchRequests,
	)
	return m
}

// Registry returns the private registry holding all instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
