// Package metrics exposes the Prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts scan and manual-mark attempts by outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "attendance_attempts_total",
		Help:      "Attendance recording attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// AbsencesSynthesized counts ABSENT records written by reconciliation.
	AbsencesSynthesized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "absences_synthesized_total",
		Help:      "ABSENT records created by the reconciliation pass.",
	})

	// SessionsFinalized counts sessions whose attendance was finalized.
	SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "sessions_finalized_total",
		Help:      "Sessions whose attendance was finalized.",
	})

	// ReconcileRuns counts reconciliation passes by result (ok, partial, failed, skipped).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes by result.",
	}, []string{"result"})

	// ReconcileDuration observes the wall time of a reconciliation pass.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campusattend",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconciliation passes.",
		Buckets:   prometheus.DefBuckets,
	})

	// BookingChecks counts room placement checks by outcome.
	BookingChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "room_booking_checks_total",
		Help:      "Room placement checks by outcome.",
	}, []string{"outcome"})
)
