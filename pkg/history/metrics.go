package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// historyEntries tracks the number of entries after the last write
	historyEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "requester_history_entries",
			Help: "Number of entries in the request history",
		},
	)

	// historyEvictions counts entries dropped to stay within the bound
	historyEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "requester_history_evictions_total",
			Help: "Total number of history entries evicted",
		},
	)

	// historyErrors counts history I/O failures by operation
	historyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requester_history_errors_total",
			Help: "Total number of history I/O errors",
		},
		[]string{"op"}, // "read", "parse", "write"
	)
)
