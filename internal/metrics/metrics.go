// Package metrics holds the Prometheus collectors of the control room.
//
// All recording methods accept a nil *Metrics, which disables metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "controlroom"

// Metrics owns a private registry so tests and multiple control planes
// never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	callbacks    *prometheus.CounterVec // By target and outcome
	connects     *prometheus.CounterVec // By module and result
	commands     *prometheus.CounterVec // By module and result
	moduleState  *prometheus.GaugeVec   // By module
	routeLatency prometheus.Histogram
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "callbacks_total",
			Help:      "Callbacks seen by the broker, by routing outcome",
		}, []string{"target", "outcome"}),

		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "connects_total",
			Help:      "Control socket connects, by result",
		}, []string{"module", "result"}), // result: ok, failed

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "commands_total",
			Help:      "Direct commands sent to modules, by result",
		}, []string{"module", "result"}),

		moduleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "state",
			Help:      "Current lifecycle state of a module (0 unregistered .. 5 closed)",
		}, []string{"module"}),

		routeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "route_duration_seconds",
			Help:      "Time from receiving a callback to finishing its routing",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}

	m.registry.MustRegister(
		m.callbacks,
		m.connects,
		m.commands,
		m.moduleState,
		m.routeLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Callback counts one routed or dropped callback.
func (m *Metrics) Callback(target, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(target, outcome).Inc()
	m.routeLatency.Observe(seconds)
}

// Connect counts one connect outcome.
func (m *Metrics) Connect(module string, err error) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(module, result(err)).Inc()
}

// Command counts one direct command.
func (m *Metrics) Command(module string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(module, result(err)).Inc()
}

// ModuleState records the numeric lifecycle state of a module.
func (m *Metrics) ModuleState(module string, state int) {
	if m == nil {
		return
	}
	m.moduleState.WithLabelValues(module).Set(float64(state))
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
