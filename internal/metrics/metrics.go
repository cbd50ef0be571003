// Package metrics defines the Prometheus collectors for indexing, retrieval,
// tools and the agent loop. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DocsIndexedTotal  *prometheus.CounterVec
	ChunksIndexed     prometheus.Gauge
	IndexGeneration   prometheus.Gauge
	QuarantinedDocs   prometheus.Gauge
	EmbeddingBatches  *prometheus.CounterVec
	EmbeddingReused   prometheus.Counter
	SearchLatency     *prometheus.HistogramVec
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	AgentSessions     *prometheus.CounterVec
	AgentSteps        prometheus.Histogram
	ResearchFetched   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_documents_total",
				Help: "Document changes applied to the index by operation and outcome.",
			},
			[]string{"op", "status"},
		),
		ChunksIndexed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_chunks",
				Help: "Number of chunks currently searchable.",
			},
		),
		IndexGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_generation",
				Help: "Monotonic index generation, bumped on every published change.",
			},
		),
		QuarantinedDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_quarantined_documents",
				Help: "Documents whose last upsert was rejected as inconsistent.",
			},
		),
		EmbeddingBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_batches_total",
				Help: "Embedding batches by outcome.",
			},
			[]string{"status"},
		),
		EmbeddingReused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "embedding_reused_total",
				Help: "Chunk embeddings served from the fingerprint cache.",
			},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Hybrid search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "answer_cache_hits_total",
				Help: "Total number of answer cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "answer_cache_misses_total",
				Help: "Total number of answer cache misses.",
			},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Tool invocations by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_latency_seconds",
				Help:    "Tool invocation latency in seconds, including retries.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		AgentSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_sessions_total",
				Help: "Agent sessions by terminal status.",
			},
			[]string{"status"},
		),
		AgentSteps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_session_steps",
				Help:    "Reasoning steps taken per agent session.",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),
		ResearchFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "research_papers_fetched_total",
				Help: "Research papers written to the research corpus.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocsIndexedTotal,
		m.ChunksIndexed,
		m.IndexGeneration,
		m.QuarantinedDocs,
		m.EmbeddingBatches,
		m.EmbeddingReused,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ToolCallsTotal,
		m.ToolLatency,
		m.AgentSessions,
		m.AgentSteps,
		m.ResearchFetched,
	)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DocumentApplied(op, status string) {
	if m == nil {
		return
	}
	m.DocsIndexedTotal.WithLabelValues(op, status).Inc()
}

// IndexState publishes the index gauges after a change.
func (m *Metrics) IndexState(generation uint64, chunks, quarantined int) {
	if m == nil {
		return
	}
	m.IndexGeneration.Set(float64(generation))
	m.ChunksIndexed.Set(float64(chunks))
	m.QuarantinedDocs.Set(float64(quarantined))
}

func (m *Metrics) EmbeddingBatch(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.EmbeddingBatches.WithLabelValues(status).Inc()
}

func (m *Metrics) EmbeddingsReused(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EmbeddingReused.Add(float64(n))
}

// Search records a search; mode is "hybrid" or "lexical_only".
func (m *Metrics) Search(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchLatency.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) AgentSession(status string, steps int) {
	if m == nil {
		return
	}
	m.AgentSessions.WithLabelValues(status).Inc()
	m.AgentSteps.Observe(float64(steps))
}

func (m *Metrics) PapersFetched(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ResearchFetched.Add(float64(n))
}
