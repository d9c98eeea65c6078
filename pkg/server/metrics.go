package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instruments for the HTTP surface.
type metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pushesTotal     *prometheus.CounterVec
	fetchesTotal    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guts",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by handler and status code.",
		}, []string{"handler", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guts",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		pushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guts",
			Name:      "pushes_total",
			Help:      "receive-pack exchanges by outcome.",
		}, []string{"outcome"}),
		fetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guts",
			Name:      "fetches_total",
			Help:      "upload-pack exchanges by outcome.",
		}, []string{"outcome"}),
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
