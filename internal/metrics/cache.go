// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_cache_evictions_total",
		Help: "Cache directory removals by result",
	}, []string{"result"}) // result=removed|failed

	cacheDirs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsfetch_cache_dirs",
		Help: "Cache directories present after the last eviction pass",
	})

	cacheFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsfetch_cache_free_bytes",
		Help: "Free bytes on the filesystem holding the cache root",
	})

	listingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsfetch_listing_cache_total",
		Help: "Directory listing cache lookups by result",
	}, []string{"result"}) // result=hit|miss
)

// RecordEviction counts removed and failed directories of one pass and
// records how many remain.
func RecordEviction(removed, failed, remaining int) {
	if removed > 0 {
		cacheEvictionsTotal.WithLabelValues("removed").Add(float64(removed))
	}
	if failed > 0 {
		cacheEvictionsTotal.WithLabelValues("failed").Add(float64(failed))
	}
	cacheDirs.Set(float64(remaining))
}

// SetCacheFreeBytes records free space on the cache filesystem.
func SetCacheFreeBytes(n uint64) { cacheFreeBytes.Set(float64(n)) }

// RecordListingCache counts a listing cache lookup.
func RecordListingCache(hit bool) {
	if hit {
		listingCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	listingCacheTotal.WithLabelValues("miss").Inc()
}
