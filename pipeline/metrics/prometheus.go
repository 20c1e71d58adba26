package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus instruments exported by the query API
type Collectors struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	RowsRetrieved prometheus.Histogram
	InferenceErrs prometheus.Counter
}

// NewCollectors creates and registers the API collectors on a private registry
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet_telemetry",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet_telemetry",
			Name:      "query_duration_seconds",
			Help:      "Latency of retrieval and natural-language queries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
		RowsRetrieved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet_telemetry",
			Name:      "rows_retrieved",
			Help:      "Rows returned by telemetry retrieval.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),
		InferenceErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet_telemetry",
			Name:      "inference_errors_total",
			Help:      "Queries that failed at the inference endpoint.",
		}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.QueryDuration,
		c.RowsRetrieved,
		c.InferenceErrs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collectors are registered on
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
