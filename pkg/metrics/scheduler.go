package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcome labels for fired tasks.
const (
	DeliveryAcked   = "acked"
	DeliveryRetried = "retried"
	DeliveryDead    = "dead"
)

// SchedulerMetrics covers the delayed-task queue and its dispatcher.
type SchedulerMetrics struct {
	scheduled *prometheus.CounterVec
	canceled  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	requeued  *prometheus.CounterVec
	fireLag   *prometheus.HistogramVec
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	if reg == nil {
		return &SchedulerMetrics{}
	}
	scheduled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "scheduled_total",
		Help:      "Tasks registered on the queue.",
	}, []string{"queue"})
	canceled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "cancel_total",
		Help:      "Cancellation attempts by result.",
	}, []string{"queue", "result"})
	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "deliveries_total",
		Help:      "Handler invocations by outcome.",
	}, []string{"queue", "outcome"})
	requeued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "lease_requeued_total",
		Help:      "In-flight tasks returned to the due set after their lease lapsed.",
	}, []string{"queue"})
	fireLag := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "fire_lag_seconds",
		Help:      "Delay between a task's run time and its delivery.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"queue"})
	reg.MustRegister(scheduled, canceled, delivered, requeued, fireLag)
	return &SchedulerMetrics{
		scheduled: scheduled,
		canceled:  canceled,
		delivered: delivered,
		requeued:  requeued,
		fireLag:   fireLag,
	}
}

func (m *SchedulerMetrics) IncScheduled(queue string) {
	if m == nil || m.scheduled == nil {
		return
	}
	m.scheduled.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *SchedulerMetrics) IncCanceled(queue string, removed bool) {
	if m == nil || m.canceled == nil {
		return
	}
	result := "removed"
	if !removed {
		result = "missed"
	}
	m.canceled.WithLabelValues(normalizeLabel(queue), result).Inc()
}

func (m *SchedulerMetrics) IncDelivery(queue, outcome string) {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
}

func (m *SchedulerMetrics) AddRequeued(queue string, n int) {
	if m == nil || m.requeued == nil || n <= 0 {
		return
	}
	m.requeued.WithLabelValues(normalizeLabel(queue)).Add(float64(n))
}

func (m *SchedulerMetrics) ObserveFireLag(queue string, lag time.Duration) {
	if m == nil || m.fireLag == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.fireLag.WithLabelValues(normalizeLabel(queue)).Observe(lag.Seconds())
}
