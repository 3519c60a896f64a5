// Package metrics exposes Prometheus collectors for the print-quote service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printquote"

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	analysesTotal              *prometheus.CounterVec
	analysisDurationSeconds    *prometheus.HistogramVec
	fetchBytesTotal            prometheus.Counter
	fetchRejectionsTotal       *prometheus.CounterVec
	pricingFallbacksTotal      *prometheus.CounterVec
	tokenChecksTotal           *prometheus.CounterVec
	rateLimitedTotal           prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Analysis jobs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Number of workers currently processing a job.",
			},
		)

		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Document analyses, labeled by classification method and outcome.",
			},
			[]string{"method", "outcome"},
		)

		analysisDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Time spent classifying a document, labeled by method.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Total bytes written to disk by the resource fetcher.",
			},
		)

		fetchRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_rejections_total",
				Help:      "Fetches refused or aborted, labeled by error kind.",
			},
			[]string{"kind"},
		)

		pricingFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pricing_fallbacks_total",
				Help:      "Price lookups resolved to the nearest configured tier, labeled by dimension.",
			},
			[]string{"dimension"},
		)

		tokenChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_checks_total",
				Help:      "Verification token checks, labeled by checkpoint and result.",
			},
			[]string{"checkpoint", "result"},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveAnalysis records one classification attempt.
func ObserveAnalysis(method, outcome string, duration time.Duration) {
	Init()
	analysesTotal.WithLabelValues(method, outcome).Inc()
	if duration > 0 {
		analysisDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// ObserveFetchBytes adds to the downloaded byte counter.
func ObserveFetchBytes(n int64) {
	Init()
	if n > 0 {
		fetchBytesTotal.Add(float64(n))
	}
}

// ObserveFetchRejection counts a refused or aborted fetch.
func ObserveFetchRejection(kind string) {
	Init()
	fetchRejectionsTotal.WithLabelValues(kind).Inc()
}

// ObservePricingFallback counts a lookup that fell back to the nearest tier.
func ObservePricingFallback(dimension string) {
	Init()
	pricingFallbacksTotal.WithLabelValues(dimension).Inc()
}

// ObserveTokenCheck records a verification token check outcome.
func ObserveTokenCheck(checkpoint, result string) {
	Init()
	tokenChecksTotal.WithLabelValues(checkpoint, result).Inc()
}

// ObserveRateLimited counts a request rejected by the rate limiter.
func ObserveRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}
