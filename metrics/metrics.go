// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

const namespace = "davi_nfcd"

// Metrics contains every collector the daemon exports.
type Metrics struct {
	registry *prometheus.Registry

	// HCE dispatch
	APDUsTotal       *prometheus.CounterVec // by outcome
	StatusWordsTotal *prometheus.CounterVec // by status word

	// Routing
	RoutingCallsTotal *prometheus.CounterVec // by call and result

	// Transport
	TransportClients prometheus.Gauge

	// Control plane
	ControlConnections prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec // by message type and result
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		APDUsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hce",
			Name:      "apdus_total",
			Help:      "Command APDUs handled, by outcome",
		}, []string{"outcome"}),

		StatusWordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hce",
			Name:      "status_words_total",
			Help:      "Status words sent to the reader",
		}, []string{"sw"}),

		RoutingCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "calls_total",
			Help:      "Controller routing calls, by call and result",
		}, []string{"call", "result"}),

		TransportClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "clients",
			Help:      "Handler processes connected to the HCE socket",
		}),

		ControlConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "connections",
			Help:      "Open control-plane websocket connections",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control-plane requests, by type and result",
		}, []string{"type", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.APDUsTotal,
		m.StatusWordsTotal,
		m.RoutingCallsTotal,
		m.TransportClients,
		m.ControlConnections,
		m.RequestsTotal,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAPDU records one dispatch outcome. A zero sw is not counted.
func (m *Metrics) ObserveAPDU(outcome string, sw nfc.StatusWord) {
	m.APDUsTotal.WithLabelValues(outcome).Inc()
	if sw != 0 {
		m.StatusWordsTotal.WithLabelValues(fmt.Sprintf("%04X", uint16(sw))).Inc()
	}
}

// ObserveRequest records one control-plane request.
func (m *Metrics) ObserveRequest(msgType string, err error) {
	result := "ok"
	if err != nil {
		result = nfc.GetErrorCode(err).String()
		if nfc.GetErrorCode(err) == 0 {
			result = "error"
		}
	}
	m.RequestsTotal.WithLabelValues(msgType, result).Inc()
}

// QueueStats is implemented by *queue.Queue.
type QueueStats interface {
	Len() int
	Rejected() uint64
	Executed() uint64
}

// RegisterQueue exports the work queue depth and counters.
func (m *Metrics) RegisterQueue(q QueueStats) error {
	for _, c := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tasks waiting for the worker",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "busy_rejections_total",
			Help:      "Submissions rejected while a blocking task was in flight",
		}, func() float64 { return float64(q.Rejected()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Tasks executed by the worker",
		}, func() float64 { return float64(q.Executed()) }),
	} {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("register queue metrics: %w", err)
		}
	}
	return nil
}
