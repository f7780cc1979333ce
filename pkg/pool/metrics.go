package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for worker pool operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requester_pool_requests_total",
		Help: "Total requests executed by worker pools by outcome",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "requester_request_duration_seconds",
		Help:    "Request execution duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	poolsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "requester_pools_active",
		Help: "Number of worker pools with requests still executing",
	})

	poolCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requester_pool_cancellations_total",
		Help: "Total number of pools marked done by cancellation",
	})
)
