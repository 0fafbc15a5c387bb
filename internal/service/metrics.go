package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impagos_syncs_total",
			Help: "Total number of snapshot syncs by outcome",
		},
		[]string{"status"},
	)

	syncRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "impagos_sync_records",
			Help:    "Records processed per successful sync",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500},
		},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "impagos_sync_duration_seconds",
			Help:    "Duration of snapshot syncs in seconds, lock wait included",
			Buckets: prometheus.DefBuckets,
		},
	)

	actionsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impagos_actions_logged_total",
			Help: "Total number of outreach actions recorded",
		},
		[]string{"kind"},
	)

	publishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "impagos_publish_errors_total",
			Help: "Total number of sync events that could not be published",
		},
	)
)

// syncStatus labels a sync outcome for syncsTotal.
func syncStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isBusy(err):
		return "busy"
	case isUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
