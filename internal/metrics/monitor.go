// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	monitorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hlsfetch_monitor_state",
		Help: "Connection monitor state (the active state is 1, others 0)",
	}, []string{"state"})

	monitorTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_monitor_transitions_total",
		Help: "Connection monitor state transitions by target state",
	}, []string{"state"})
)

var monitorStates = []string{"disconnected", "connecting", "connected", "retry_wait"}

// SetMonitorState records the active monitor state.
func SetMonitorState(state string) {
	for _, s := range monitorStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		monitorState.WithLabelValues(s).Set(value)
	}
	monitorTransitions.WithLabelValues(state).Inc()
}
