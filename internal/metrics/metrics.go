// Package metrics exposes RepoPilot's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the services report into.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	CacheHitsTotal *prometheus.CounterVec
	IndexDuration  prometheus.Histogram
	ChunksIndexed  prometheus.Counter
}

// New creates a private registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repopilot",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repopilot",
			Name:      "cache_hits_total",
			Help:      "Response and routing cache hits.",
		}, []string{"cache"}),
		IndexDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repopilot",
			Name:      "index_duration_seconds",
			Help:      "Wall-clock duration of indexing runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ChunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "repopilot",
			Name:      "chunks_indexed_total",
			Help:      "Chunks embedded and inserted across all runs.",
		}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
