package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	OverageBills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "usage",
		Name:      "overage_bills_total",
		Help:      "Per-user outcomes of the monthly overage job.",
	}, []string{"outcome"})

	CommissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "transitions_total",
		Help:      "Commission state transitions.",
	}, []string{"from", "to"})

	EarningsCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "earnings",
		Name:      "credits_total",
		Help:      "Earnings credit attempts by outcome.",
	}, []string{"outcome"})

	NotificationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "notification",
		Name:      "dispatched_total",
		Help:      "Outbox dispatch attempts by outcome.",
	}, []string{"outcome"})
)
