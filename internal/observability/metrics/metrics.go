// Package metrics holds the bot's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epicbot"

type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	nextFire      prometheus.Gauge
	restarts      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Notification cycle iterations by result (delivered, failed).",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-destination sends by result (ok, error).",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Promotions fetches by result (ok, error).",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of promotions fetches.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		}),
		nextFire: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next scheduled push.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_restarts_total",
			Help:      "Supervised goroutine restarts by name.",
		}, []string{"name"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.deliveries, m.fetches, m.fetchDuration, m.nextFire, m.restarts,
	)
	return m
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveCycle(err error) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result(err, "delivered", "failed")).Inc()
}

func (m *Metrics) ObserveDelivery(err error) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result(err, "ok", "error")).Inc()
}

func (m *Metrics) ObserveFetch(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result(err, "ok", "error")).Inc()
	m.fetchDuration.Observe(took.Seconds())
}

func (m *Metrics) SetNextFire(at time.Time) {
	if m == nil {
		return
	}
	m.nextFire.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveRestart(name string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(name).Inc()
}

func result(err error, ok, fail string) string {
	if err != nil {
		return fail
	}
	return ok
}
