// Package metrics exposes the daemon's Prometheus instrumentation. Each
// daemon instance carries its own registry so tests can run several
// instances in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon publishes.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	messagesPublished prometheus.Counter
	deliveries        *prometheus.CounterVec
	cleanupRemoved    *prometheus.CounterVec
}

// New builds and registers the static collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portdaddy_http_requests_total",
				Help: "Total number of API requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portdaddy_http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		messagesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portdaddy_messages_published_total",
				Help: "Total number of messages published",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portdaddy_webhook_deliveries_total",
				Help: "Total number of webhook delivery outcomes",
			},
			[]string{"outcome"},
		),
		cleanupRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portdaddy_cleanup_removed_total",
				Help: "Total number of rows removed by cleanup sweeps, by resource",
			},
			[]string{"resource"},
		),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.messagesPublished,
		m.deliveries,
		m.cleanupRemoved,
	)
	return m
}

// RegisterDomainGauges wires the live occupancy gauges. The callbacks run at
// scrape time, so the values are always current; a callback that cannot
// answer should return 0.
func (m *Metrics) RegisterDomainGauges(assignedServices, activeLocks, activeAgents func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portdaddy_assigned_services",
			Help: "Number of services currently holding a port",
		}, assignedServices),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portdaddy_active_locks",
			Help: "Number of unexpired locks",
		}, activeLocks),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portdaddy_active_agents",
			Help: "Number of agents with a fresh heartbeat",
		}, activeAgents),
	)
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// MessagePublished counts one accepted publish.
func (m *Metrics) MessagePublished() { m.messagesPublished.Inc() }

// DeliveryFinished counts one webhook delivery outcome. It satisfies the
// webhooks delivery-metrics capability.
func (m *Metrics) DeliveryFinished(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}

// CleanupRemoved counts rows removed by a sweep for one resource.
func (m *Metrics) CleanupRemoved(resource string, n int) {
	if n > 0 {
		m.cleanupRemoved.WithLabelValues(resource).Add(float64(n))
	}
}
