package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recipestats_recomputations_total",
			Help: "Total number of recipe statistics recomputations by status",
		},
		[]string{"status"},
	)

	malformedRatingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recipestats_malformed_ratings_total",
			Help: "Total number of review ratings skipped because they were not numeric",
		},
	)

	recomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recipestats_recompute_duration_seconds",
			Help:    "Time spent recomputing one recipe's statistics, including store retries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
