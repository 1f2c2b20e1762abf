package metrics

import "github.com/prometheus/client_golang/prometheus"

// Booking operation labels.
const (
	OpCreate  = "create"
	OpConfirm = "confirm"
	OpCancel  = "cancel"
	OpExpire  = "expire"
)

// Booking outcome labels.
const (
	OutcomeSuccess           = "success"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeNotFound          = "not_found"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeNoop              = "noop"
	OutcomeError             = "error"
)

// Reasons a timer cancellation is considered uncertain.
const (
	CancelUncertainError   = "error"
	CancelUncertainTooLate = "too_late"
)

// BookingMetrics tracks lifecycle transitions and the degraded paths around
// expiry scheduling.
type BookingMetrics struct {
	transitions           *prometheus.CounterVec
	schedulingDegraded    prometheus.Counter
	cancellationUncertain *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	if reg == nil {
		return &BookingMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "booking",
		Name:      "transitions_total",
		Help:      "Booking lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})
	degraded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "booking",
		Name:      "scheduling_degraded_total",
		Help:      "Bookings created without an expiry task.",
	})
	uncertain := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "booking",
		Name:      "cancellation_uncertain_total",
		Help:      "Expiry task cancellations that failed or arrived too late.",
	}, []string{"reason"})
	reg.MustRegister(transitions, degraded, uncertain)
	return &BookingMetrics{
		transitions:           transitions,
		schedulingDegraded:    degraded,
		cancellationUncertain: uncertain,
	}
}

func (m *BookingMetrics) ObserveTransition(operation, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *BookingMetrics) IncSchedulingDegraded() {
	if m == nil || m.schedulingDegraded == nil {
		return
	}
	m.schedulingDegraded.Inc()
}

func (m *BookingMetrics) IncCancellationUncertain(reason string) {
	if m == nil || m.cancellationUncertain == nil {
		return
	}
	m.cancellationUncertain.WithLabelValues(normalizeLabel(reason)).Inc()
}
