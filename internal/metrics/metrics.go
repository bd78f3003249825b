// Package metrics exposes Prometheus collectors for the coordination engine.
// A *Metrics satisfies both event.Observer and notify.Observer; a nil
// *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/crew/internal/event"
)

const namespace = "crew"

// Notification outcomes used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeBuffered  = "buffered"
	OutcomeFailed    = "failed"
	OutcomeEvicted   = "evicted"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	eventsPublished  *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	pendingEvictions prometheus.Counter
	waitGroupsFired  prometheus.Counter
	notifications    *prometheus.CounterVec
	taskConflicts    prometheus.Counter
	taskRetries      *prometheus.HistogramVec
	sessionsAttached prometheus.Gauge
}

// MustNewMetrics creates the collectors and registers them with reg,
// defaulting to the global registerer. Registration errors panic, except
// that an identical collector already registered is reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the bus by kind.",
		}, []string{"kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Handler and wait group callbacks that returned an error or panicked.",
		}, []string{"consumer"}),
		pendingEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "pending_evictions_total",
			Help:      "Buffered deliveries dropped because an agent's queue was full.",
		}),
		waitGroupsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "waitgroups_fired_total",
			Help:      "Wait groups whose members all completed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Session notifications by outcome.",
		}, []string{"outcome"}),
		taskConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "task_conflicts_total",
			Help:      "Task updates that exhausted their retry budget on version conflicts.",
		}),
		taskRetries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "update_attempts",
			Help:      "Compare-and-set attempts needed per task update.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"operation"}),
		sessionsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sessions_attached",
			Help:      "Sessions with a live transport.",
		}),
	}

	m.eventsPublished = register(reg, m.eventsPublished)
	m.handlerFailures = register(reg, m.handlerFailures)
	m.pendingEvictions = register(reg, m.pendingEvictions)
	m.waitGroupsFired = register(reg, m.waitGroupsFired)
	m.notifications = register(reg, m.notifications)
	m.taskConflicts = register(reg, m.taskConflicts)
	m.taskRetries = register(reg, m.taskRetries)
	m.sessionsAttached = register(reg, m.sessionsAttached)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// EventPublished implements event.Observer.
func (m *Metrics) EventPublished(kind event.Kind) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind.String()).Inc()
}

// HandlerFailed implements event.Observer.
func (m *Metrics) HandlerFailed(consumer string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(consumer).Inc()
}

// PendingEvicted implements event.Observer.
func (m *Metrics) PendingEvicted(_ string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pendingEvictions.Add(float64(n))
}

// WaitGroupFired implements event.Observer.
func (m *Metrics) WaitGroupFired(string) {
	if m == nil {
		return
	}
	m.waitGroupsFired.Inc()
}

// NotificationDelivered implements notify.Observer.
func (m *Metrics) NotificationDelivered(string) { m.notification(OutcomeDelivered, 1) }

// NotificationBuffered implements notify.Observer.
func (m *Metrics) NotificationBuffered(string) { m.notification(OutcomeBuffered, 1) }

// NotificationFailed implements notify.Observer.
func (m *Metrics) NotificationFailed(string) { m.notification(OutcomeFailed, 1) }

// NotificationEvicted implements notify.Observer.
func (m *Metrics) NotificationEvicted(_ string, n int) { m.notification(OutcomeEvicted, n) }

func (m *Metrics) notification(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.WithLabelValues(outcome).Add(float64(n))
}

// TransportAttached implements notify.Observer.
func (m *Metrics) TransportAttached(string) {
	if m == nil {
		return
	}
	m.sessionsAttached.Inc()
}

// TransportDetached implements notify.Observer.
func (m *Metrics) TransportDetached(string) {
	if m == nil {
		return
	}
	m.sessionsAttached.Dec()
}

// IncTaskConflict counts a task update that gave up on version conflicts.
func (m *Metrics) IncTaskConflict() {
	if m == nil {
		return
	}
	m.taskConflicts.Inc()
}

// ObserveUpdateAttempts records how many compare-and-set attempts an
// operation needed.
func (m *Metrics) ObserveUpdateAttempts(operation string, attempts int) {
	if m == nil || attempts <= 0 {
		return
	}
	m.taskRetries.WithLabelValues(operation).Observe(float64(attempts))
}
