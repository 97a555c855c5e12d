// Package metrics exposes the engine's Prometheus instrumentation.
// Collectors are registered through promauto at init; the worker serves
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_allocations_total",
			Help: "Reservation allocation attempts by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_confirmations_total",
			Help: "Reservation confirmations by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	expirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_expirations_total",
			Help: "Reservations released by the expiry sweeper",
		},
		[]string{"event_id"},
	)

	stuck = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_stuck_total",
			Help: "Offline-payment reservations parked for manual review",
		},
		[]string{"event_id"},
	)

	waitlistOffers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_offers_total",
			Help: "Seat offers made to waiting-list subscribers",
		},
		[]string{"event_id"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of one expiry sweep pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func TrackAllocation(eventID, outcome string) {
	allocations.WithLabelValues(eventID, outcome).Inc()
}

func TrackConfirmation(eventID, outcome string) {
	confirmations.WithLabelValues(eventID, outcome).Inc()
}

func TrackExpiration(eventID string) {
	expirations.WithLabelValues(eventID).Inc()
}

func TrackStuck(eventID string) {
	stuck.WithLabelValues(eventID).Inc()
}

func TrackWaitlistOffer(eventID string) {
	waitlistOffers.WithLabelValues(eventID).Inc()
}

func TrackSweepDuration(seconds float64) {
	sweepDuration.Observe(seconds)
}
