package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	bookMetricsOnce sync.Once
	bookRegistry    *OrderBookMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record API
// activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "intentbook",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OrderBookMetrics tracks matching and settlement activity.
type OrderBookMetrics struct {
	batches       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	transitions   *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	signing       *prometheus.HistogramVec
	openIntents   prometheus.Gauge
}

// OrderBook returns the lazily-initialised order book metrics registry.
func OrderBook() *OrderBookMetrics {
	bookMetricsOnce.Do(func() {
		bookRegistry = &OrderBookMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "matching",
				Name:      "batches_total",
				Help:      "Batch match submissions segmented by outcome.",
			}, []string{"outcome"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "intentbook",
				Subsystem: "matching",
				Name:      "batch_size",
				Help:      "Number of matches in committed batches.",
				Buckets:   []float64{1, 2, 4, 6, 8, 12, 16, 32},
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "settlement",
				Name:      "subintent_transitions_total",
				Help:      "Sub-intent status transitions.",
			}, []string{"from", "to"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "settlement",
				Name:      "refunds_total",
				Help:      "Legs refunded after a signing failure, by asset.",
			}, []string{"asset"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intentbook",
				Subsystem: "verifier",
				Name:      "verifications_total",
				Help:      "Proof verifications segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			signing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "intentbook",
				Subsystem: "settlement",
				Name:      "signing_duration_seconds",
				Help:      "Latency between dispatching a signing request and its callback.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			openIntents: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "intentbook",
				Subsystem: "intents",
				Name:      "open",
				Help:      "Intents currently matchable.",
			}),
		}
		prometheus.MustRegister(
			bookRegistry.batches,
			bookRegistry.batchSize,
			bookRegistry.transitions,
			bookRegistry.refunds,
			bookRegistry.verifications,
			bookRegistry.signing,
			bookRegistry.openIntents,
		)
	})
	return bookRegistry
}

// RecordBatch records the outcome of a batch submission. Failed batches are
// labelled with a stable reason.
func (m *OrderBookMetrics) RecordBatch(size int, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		m.batches.WithLabelValues("committed").Inc()
		m.batchSize.Observe(float64(size))
		return
	}
	m.batches.WithLabelValues(reason).Inc()
}

func (m *OrderBookMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *OrderBookMetrics) RecordRefund(asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.refunds.WithLabelValues(normalized).Inc()
}

func (m *OrderBookMetrics) RecordVerification(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "verified"
	if !ok {
		outcome = "rejected"
	}
	m.verifications.WithLabelValues(kind, outcome).Inc()
}

func (m *OrderBookMetrics) ObserveSigning(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "signed"
	if !ok {
		outcome = "failed"
	}
	m.signing.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *OrderBookMetrics) SetOpenIntents(n int) {
	if m == nil {
		return
	}
	m.openIntents.Set(float64(n))
}
