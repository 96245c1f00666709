// Package metrics exposes build, provider and webhook counters on a
// private prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deployproxy"

// Metrics implements the recorder interfaces of the provider client, the
// build runner and the webhook registrar.
type Metrics struct {
	registry *prometheus.Registry

	builds           *prometheus.CounterVec
	buildDuration    prometheus.Histogram
	providerRequests *prometheus.CounterVec
	webhookFires     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Local site builds by final status.",
		}, []string{"status"}),
		buildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of local site builds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Deployment provider API requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		webhookFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_fires_total",
			Help:      "Deploy-created notifications received, by whether metadata was updated.",
		}, []string{"updated"}),
	}
}

func (m *Metrics) BuildFinished(status string, elapsed time.Duration) {
	m.builds.WithLabelValues(status).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ProviderRequest(operation, outcome string) {
	m.providerRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) WebhookFired(updated bool) {
	m.webhookFires.WithLabelValues(strconv.FormatBool(updated)).Inc()
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
