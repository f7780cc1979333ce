// Package metrics exposes the Prometheus registry shared by the requester
// packages. All metrics are defined in their respective packages (pool,
// client, history) to maintain modularity and avoid circular dependencies.
//
// This package provides the /metrics endpoint and a reference for all
// available metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the requester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry read side served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Metrics Documentation
//
// Pool Metrics (pkg/pool):
//   - requester_pool_requests_total{outcome} (Counter): Executed requests by outcome (success, error)
//   - requester_request_duration_seconds (Histogram): Execution time per request including retries
//   - requester_pools_active (Gauge): Pools with running workers
//   - requester_pool_cancellations_total (Counter): Pools cancelled before completion
//
// HTTP Metrics (pkg/client):
//   - requester_http_requests_total{method, status} (Counter): HTTP attempts by method and status
//   - requester_http_request_duration_seconds{method} (Histogram): Request duration by method
//   - requester_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - requester_http_retries_total{error_class} (Counter): Retry attempts by error class
//   - requester_http_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - requester_http_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// History Metrics (pkg/history):
//   - requester_history_entries (Gauge): Entries after the last write
//   - requester_history_evictions_total (Counter): Entries dropped to stay within history_max_entries
//   - requester_history_errors_total{op} (Counter): History I/O errors (read, parse, write)
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   rate(requester_pool_requests_total{outcome="error"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(requester_request_duration_seconds_bucket[5m]))
//
//   # Server errors per method
//   sum by (method) (rate(requester_http_requests_total{status=~"5.."}[5m]))
