// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockmatch"

// Result labels for actions and notifications.
const (
	ResultOK        = "ok"
	ResultRejected  = "rejected"
	ResultTransient = "transient"
	ResultDefect    = "defect"
	ResultFailed    = "failed"
)

// Metrics holds every instrument on its own registry so tests can build
// as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	actions       *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	fills         prometheus.Counter
	filledQty     prometheus.Counter
	notifications *prometheus.CounterVec
	notifyDropped prometheus.Counter
	deadLetters   *prometheus.CounterVec
	consumed      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Processed actions by type and result.",
		}, []string{"action", "result"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "action_duration_seconds",
			Help:      "Time from transaction begin to commit or rollback.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"action"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "fills_total",
			Help:      "Committed fills.",
		}),
		filledQty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "filled_quantity_total",
			Help:      "Committed filled quantity.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Completion event deliveries by sink and result.",
		}, []string{"sink", "result"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Completion events dropped because the queue was full.",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "dead_letters_total",
			Help:      "Inbound messages dead-lettered, by sink.",
		}, []string{"sink"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Inbound messages by final decision.",
		}, []string{"decision"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.actions, m.passDuration, m.fills, m.filledQty,
		m.notifications, m.notifyDropped, m.deadLetters, m.consumed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveAction(action, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, result).Inc()
	m.passDuration.WithLabelValues(action).Observe(took.Seconds())
}

func (m *Metrics) ObserveFill(qty int64) {
	if m == nil {
		return
	}
	m.fills.Inc()
	m.filledQty.Add(float64(qty))
}

func (m *Metrics) ObserveNotification(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

func (m *Metrics) DeadLettered(sink string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(sink).Inc()
}

func (m *Metrics) Consumed(decision string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(decision).Inc()
}
