// Package metrics exposes Prometheus counters for polling, writes and serial
// traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	pollTotal      *prometheus.CounterVec   // labels: field, result
	writeTotal     *prometheus.CounterVec   // labels: field, result
	identifyTotal  *prometheus.CounterVec   // labels: result
	transportTime  *prometheus.HistogramVec // labels: op
	lastUpdateTime *prometheus.GaugeVec     // labels: field
}

// New creates a registry with Go/process collectors and the controller metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		pollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mff_poll_total",
			Help: "Poll iterations by field and result.",
		}, []string{"field", "result"}),
		writeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mff_write_total",
			Help: "Write dispatches by field and result.",
		}, []string{"field", "result"}),
		identifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mff_identify_total",
			Help: "Identify commands by result.",
		}, []string{"result"}),
		transportTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mff_transport_seconds",
			Help:    "Time spent in transport calls.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		lastUpdateTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mff_field_last_update_timestamp_seconds",
			Help: "Unix time of the last successful update per field.",
		}, []string{"field"}),
	}
	reg.MustRegister(m.pollTotal, m.writeTotal, m.identifyTotal, m.transportTime, m.lastUpdateTime)
	return m
}

// Registry returns the underlying registry.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) PollResult(field string, err error) {
	if m == nil {
		return
	}
	m.pollTotal.WithLabelValues(field, result(err)).Inc()
}

func (m *Metrics) WriteResult(field string, err error) {
	if m == nil {
		return
	}
	m.writeTotal.WithLabelValues(field, result(err)).Inc()
}

func (m *Metrics) IdentifyResult(err error) {
	if m == nil {
		return
	}
	m.identifyTotal.WithLabelValues(result(err)).Inc()
}

// ObserveTransport records the duration of one transport call ("query" or "command").
func (m *Metrics) ObserveTransport(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.transportTime.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) FieldUpdated(field string, at time.Time) {
	if m == nil {
		return
	}
	m.lastUpdateTime.WithLabelValues(field).Set(float64(at.Unix()))
}
