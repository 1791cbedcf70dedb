package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpview_ticks_total",
		Help: "Number of completed reconciliation ticks.",
	})

	metricTickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpview_tick_failures_total",
		Help: "Number of ticks aborted because the connection table could not be read.",
	})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tcpview_tick_duration_seconds",
		Help:    "Wall time of one reconciliation tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	metricRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcpview_records",
		Help: "Tracked connections by marker.",
	}, []string{"marker"})

	metricResolverErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpview_resolver_errors_total",
		Help: "Failed owner resolution attempts.",
	})
)
