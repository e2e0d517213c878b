package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

const metricsNamespace = "orderflow"

// Metrics exports order engine and HTTP metrics to Prometheus. A nil *Metrics discards
// every observation.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	transitionTime  *prometheus.HistogramVec
	ledger          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on a dedicated registry, together with the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transition requests by outcome.",
		}, []string{"from", "to", "outcome"}),
		transitionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "transition_duration_seconds",
			Help:      "Latency of order status transitions.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"to"}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inventory",
			Name:      "ledger_operations_total",
			Help:      "Inventory ledger applies and reverts by outcome.",
		}, []string{"op", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Push notification attempts by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "intents_total",
			Help:      "Stock intents settled by the recovery sweep.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.transitionTime,
		m.ledger,
		m.notifications,
		m.sweeps,
		m.requests,
		m.requestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTransition(from, to domain.OrderStatus, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "unknown"
	}
	m.transitions.WithLabelValues(fromLabel, string(to), outcome).Inc()
	m.transitionTime.WithLabelValues(string(to)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLedger(op, outcome string) {
	if m == nil {
		return
	}
	m.ledger.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweeps.WithLabelValues(outcome).Add(float64(count))
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
