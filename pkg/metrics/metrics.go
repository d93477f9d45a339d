// Package metrics exposes pipeline counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "documind"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	uploads       *prometheus.CounterVec
	chunksIndexed prometheus.Counter
	queries       *prometheus.CounterVec
	queryDuration prometheus.Histogram
	embedCache    *prometheus.CounterVec
	sessions      prometheus.Gauge
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Documents processed, by result.",
		}, []string{"result"}),
		chunksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks added to session indexes.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries answered, by result.",
		}, []string{"result"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time from question to composed answer.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		embedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups, by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open sessions.",
		}),
	}

	m.registry.MustRegister(
		m.uploads,
		m.chunksIndexed,
		m.queries,
		m.queryDuration,
		m.embedCache,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveUpload(err error, chunks int) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.chunksIndexed.Add(float64(chunks))
	}
}

func (m *Metrics) ObserveQuery(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(result(err)).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) CacheHits(n int) {
	if m == nil || n == 0 {
		return
	}
	m.embedCache.WithLabelValues("hit").Add(float64(n))
}

func (m *Metrics) CacheMisses(n int) {
	if m == nil || n == 0 {
		return
	}
	m.embedCache.WithLabelValues("miss").Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
