// Registers:
//
//	#ratesflow_requests_total
//	#ratesflow_request_duration_seconds
//	#ratesflow_retries_total
//	#ratesflow_exchange_failures_total
//	#go_* and process_* system metrics
//
// and exposes them on the configured listen address under /metrics.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratesflow/logger"
)

var (
	once sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesflow_requests_total",
			Help: "Exchange REST requests by outcome",
		},
		[]string{"exchange", "operation", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesflow_request_duration_seconds",
			Help:    "Exchange REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "operation"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesflow_retries_total",
			Help: "Operation retries after transient failures",
		},
		[]string{"exchange", "operation"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesflow_exchange_failures_total",
			Help: "Report fetches that returned no data because the exchange failed",
		},
		[]string{"exchange", "report"},
	)
)

// Init registers collectors and, when listen is not empty, serves /metrics.
func Init(listen string) {
	once.Do(func() {
		prometheus.MustRegister(requests, requestDuration, retries, failures)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if listen == "" {
			return
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// ObserveRequest records one HTTP round trip.
func ObserveRequest(exchange, operation, status string, d time.Duration) {
	requests.WithLabelValues(exchange, operation, status).Inc()
	requestDuration.WithLabelValues(exchange, operation).Observe(d.Seconds())
}

// IncRetry counts one retry of an operation.
func IncRetry(exchange, operation string) {
	retries.WithLabelValues(exchange, operation).Inc()
}

// IncFailure counts an exchange dropped from a report cycle.
func IncFailure(exchange, report string) {
	failures.WithLabelValues(exchange, report).Inc()
}
