package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "training_booking"

// Metrics holds Prometheus metrics for reservations and reconciliation.
type Metrics struct {
	// ReservationsTotal counts reservation attempts by result.
	ReservationsTotal *prometheus.CounterVec

	// CapacityReleased counts seats returned to slots.
	CapacityReleased prometheus.Counter

	// WebhookEventsTotal counts provider events by type and outcome.
	WebhookEventsTotal *prometheus.CounterVec

	// LineItemsSkipped counts checkout line items that could not be applied.
	LineItemsSkipped *prometheus.CounterVec

	// NotificationsTotal counts confirmation publishes by result.
	NotificationsTotal *prometheus.CounterVec

	// HoldsExpired counts pending holds released by the expiry worker.
	HoldsExpired prometheus.Counter
}

// New creates metrics registered on reg. Pass prometheus.DefaultRegisterer
// in processes and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReservationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Total number of reservation attempts",
			},
			[]string{"result"},
		),

		CapacityReleased: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_released_total",
				Help:      "Total number of seats released back to slots",
			},
		),

		WebhookEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of payment provider events handled",
			},
			[]string{"type", "outcome"},
		),

		LineItemsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "line_items_skipped_total",
				Help:      "Total number of checkout line items skipped",
			},
			[]string{"reason"},
		),

		NotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of booking confirmations dispatched",
			},
			[]string{"result"},
		),

		HoldsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "holds_expired_total",
				Help:      "Total number of pending holds expired",
			},
		),
	}
}

// Nop returns metrics bound to a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) IncReservation(result string) {
	m.ReservationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddReleased(n int) {
	if n > 0 {
		m.CapacityReleased.Add(float64(n))
	}
}

func (m *Metrics) IncWebhook(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncSkipped(reason string) {
	m.LineItemsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncNotification(result string) {
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddExpired(n int) {
	if n > 0 {
		m.HoldsExpired.Add(float64(n))
	}
}
