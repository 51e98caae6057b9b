package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	swapMetricsOnce sync.Once
	swapRegistry    *SwapSettlementMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// HTTP returns the lazily-initialised registry recording swapd HTTP activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// SwapSettlementMetrics tracks the swap settlement engine.
type SwapSettlementMetrics struct {
	swaps      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	legs       *prometheus.CounterVec
	issuances  *prometheus.CounterVec
	accounts   *prometheus.CounterVec
	unresolved *prometheus.GaugeVec
}

// SwapSettlement returns the singleton registry for the settlement engine.
func SwapSettlement() *SwapSettlementMetrics {
	swapMetricsOnce.Do(func() {
		swapRegistry = &SwapSettlementMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "settlement",
				Name:      "swaps_total",
				Help:      "Count of swaps segmented by direction and final status or error kind.",
			}, []string{"direction", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapd",
				Subsystem: "settlement",
				Name:      "swap_duration_seconds",
				Help:      "End to end swap latency.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"direction"}),
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "settlement",
				Name:      "leg_submissions_total",
				Help:      "Ledger submissions segmented by leg role and result.",
			}, []string{"role", "result"}),
			issuances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "registry",
				Name:      "issuances_total",
				Help:      "Asset issuance attempts segmented by result.",
			}, []string{"result"}),
			accounts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "accounts",
				Name:      "provisioned_total",
				Help:      "Holding accounts resolved segmented by how they were found.",
			}, []string{"source"}),
			unresolved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swapd",
				Subsystem: "settlement",
				Name:      "unresolved",
				Help:      "Settlements awaiting reconciliation by status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			swapRegistry.swaps,
			swapRegistry.duration,
			swapRegistry.legs,
			swapRegistry.issuances,
			swapRegistry.accounts,
			swapRegistry.unresolved,
		)
	})
	return swapRegistry
}

// ObserveSwap records a finished swap.
func (m *SwapSettlementMetrics) ObserveSwap(direction, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(label(direction), label(status)).Inc()
	m.duration.WithLabelValues(label(direction)).Observe(d.Seconds())
}

// RecordLeg counts one leg submission.
func (m *SwapSettlementMetrics) RecordLeg(role, result string) {
	if m == nil {
		return
	}
	m.legs.WithLabelValues(label(role), label(result)).Inc()
}

// RecordIssuance counts an issuance attempt.
func (m *SwapSettlementMetrics) RecordIssuance(result string) {
	if m == nil {
		return
	}
	m.issuances.WithLabelValues(label(result)).Inc()
}

// RecordAccount counts a resolved holding account.
func (m *SwapSettlementMetrics) RecordAccount(source string) {
	if m == nil {
		return
	}
	m.accounts.WithLabelValues(label(source)).Inc()
}

// SetUnresolved publishes the number of settlements left in status.
func (m *SwapSettlementMetrics) SetUnresolved(status string, count int) {
	if m == nil {
		return
	}
	m.unresolved.WithLabelValues(label(status)).Set(float64(count))
}

// OracleMetrics tracks price feed health.
type OracleMetrics struct {
	freshness    *prometheus.GaugeVec
	sourceErrors *prometheus.CounterVec
}

// Oracle returns the metrics registry for the price feed.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swapd",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age in seconds of the newest aggregated rate per pair.",
			}, []string{"pair"}),
			sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapd",
				Subsystem: "oracle",
				Name:      "source_errors_total",
				Help:      "Failed or discarded source quotes.",
			}, []string{"source", "reason"}),
		}
		prometheus.MustRegister(oracleRegistry.freshness, oracleRegistry.sourceErrors)
	})
	return oracleRegistry
}

// RecordFreshness records how old the latest rate for pair is.
func (m *OracleMetrics) RecordFreshness(pair string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(labelAsset(pair)).Set(age.Seconds())
}

// RecordSourceError counts a rejected quote.
func (m *OracleMetrics) RecordSourceError(source, reason string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(label(source), label(reason)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
