// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ftpConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_ftp_connect_total",
		Help: "FTP connection attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	ftpListTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_ftp_list_fallback_total",
		Help: "Successful directory listings by the listing command that produced them",
	}, []string{"tier"}) // tier=LIST|NLST|MLSD
)

// RecordFTPConnect counts one connection attempt.
func RecordFTPConnect(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ftpConnectTotal.WithLabelValues(outcome).Inc()
}

// RecordListTier counts a listing served by tier.
func RecordListTier(tier string) { ftpListTierTotal.WithLabelValues(tier).Inc() }
