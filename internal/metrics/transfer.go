// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_transfers_total",
		Help: "Per-file transfer outcomes",
	}, []string{"status"}) // status=fetched|skipped|failed

	materializationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_materializations_total",
		Help: "Materialization runs by outcome",
	}, []string{"outcome"}) // outcome=success|failure|cancelled

	materializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hlsfetch_materialize_duration_seconds",
		Help:    "Wall-clock duration of materialization runs",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

// RecordTransfer counts one file outcome.
func RecordTransfer(status string) { transfersTotal.WithLabelValues(status).Inc() }

// RecordMaterialization counts a finished run and observes its duration.
func RecordMaterialization(outcome string, d time.Duration) {
	materializationsTotal.WithLabelValues(outcome).Inc()
	materializeDuration.Observe(d.Seconds())
}
