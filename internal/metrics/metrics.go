// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes, kept low-cardinality.
const (
	OutcomeAcked        = "acked"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeMalformed    = "malformed"
)

// Metrics holds every instrument. A nil *Metrics is valid and records nothing,
// which keeps tests and optional wiring simple.
type Metrics struct {
	eventsProcessed    *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	dispatches         *prometheus.CounterVec
	pushFailures       prometheus.Counter
	activeSessions     prometheus.Gauge
	backfillItems      prometheus.Counter
	busConnected       prometheus.Gauge
}

// New registers the instruments on registerer.
func New(registerer prometheus.Registerer, environment string) *Metrics {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": "relay", "env": environment}

	m := &Metrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "relay_events_processed_total",
			Help:        "Bus events handled by the consumer, by type and outcome.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "relay_event_processing_seconds",
			Help:        "Time from worker pickup to ack or nack.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "relay_dispatches_total",
			Help:        "Dispatched notifications by resulting delivery state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relay_session_push_failures_total",
			Help:        "Pushes to a live session that failed and evicted it.",
			ConstLabels: constLabels,
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relay_active_sessions",
			Help:        "Registered live sessions on this instance.",
			ConstLabels: constLabels,
		}),
		backfillItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relay_backfill_items_total",
			Help:        "Notifications replayed to reconnecting sessions.",
			ConstLabels: constLabels,
		}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relay_bus_connected",
			Help:        "1 while the event bus connection is up.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.eventsProcessed,
		m.processingDuration,
		m.dispatches,
		m.pushFailures,
		m.activeSessions,
		m.backfillItems,
		m.busConnected,
	)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) ObserveEvent(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(eventType, outcome).Inc()
	if elapsed > 0 {
		m.processingDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveDispatch(state string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(state).Inc()
}

func (m *Metrics) IncPushFailure() {
	if m == nil {
		return
	}
	m.pushFailures.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) AddBackfill(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfillItems.Add(float64(n))
}

func (m *Metrics) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}
