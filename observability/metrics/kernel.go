package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelMetrics tracks clearing activity: issued receipts, netting runs,
// paywall rejections, and the open index window.
type KernelMetrics struct {
	receipts     *prometheus.CounterVec
	nettingRuns  *prometheus.CounterVec
	paywall      *prometheus.CounterVec
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	windowLeaves prometheus.Gauge
}

var (
	kernelOnce     sync.Once
	kernelRegistry *KernelMetrics
)

// Kernel returns the lazily-initialised kernel metrics registry.
func Kernel() *KernelMetrics {
	kernelOnce.Do(func() {
		kernelRegistry = &KernelMetrics{
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "kernel",
				Name:      "receipts_issued_total",
				Help:      "Count of kernel-signed receipts segmented by kind.",
			}, []string{"kind"}),
			nettingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "kernel",
				Name:      "netting_runs_total",
				Help:      "Count of netting runs segmented by outcome.",
			}, []string{"outcome"}),
			paywall: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "kernel",
				Name:      "paywall_rejections_total",
				Help:      "Count of requests rejected for insufficient credit.",
			}, []string{"operation"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of dispatched operations segmented by status class.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "primordia",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency per operation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			windowLeaves: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "primordia",
				Subsystem: "index",
				Name:      "open_window_leaves",
				Help:      "Leaf count of the currently open index window.",
			}),
		}
		prometheus.MustRegister(
			kernelRegistry.receipts,
			kernelRegistry.nettingRuns,
			kernelRegistry.paywall,
			kernelRegistry.requests,
			kernelRegistry.latency,
			kernelRegistry.windowLeaves,
		)
	})
	return kernelRegistry
}

// RecordReceipt increments the issued-receipt counter for the supplied kind.
func (m *KernelMetrics) RecordReceipt(kind string) {
	if m == nil || m.receipts == nil {
		return
	}
	m.receipts.WithLabelValues(normalize(kind)).Inc()
}

// RecordNettingRun tracks a netting attempt segmented by outcome.
func (m *KernelMetrics) RecordNettingRun(outcome string) {
	if m == nil || m.nettingRuns == nil {
		return
	}
	m.nettingRuns.WithLabelValues(normalize(outcome)).Inc()
}

// RecordPaywallRejection counts a credit-required rejection for an operation.
func (m *KernelMetrics) RecordPaywallRejection(operation string) {
	if m == nil || m.paywall == nil {
		return
	}
	m.paywall.WithLabelValues(normalize(operation)).Inc()
}

// RecordRequest counts a dispatched operation by status class.
func (m *KernelMetrics) RecordRequest(operation, status string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(normalize(operation), normalize(status)).Inc()
}

// ObserveLatency records the end-to-end duration of one operation in seconds.
func (m *KernelMetrics) ObserveLatency(operation string, seconds float64) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.WithLabelValues(normalize(operation)).Observe(seconds)
}

// SetOpenWindowLeaves publishes the leaf count of the open window.
func (m *KernelMetrics) SetOpenWindowLeaves(count int64) {
	if m == nil || m.windowLeaves == nil {
		return
	}
	m.windowLeaves.Set(float64(count))
}

func normalize(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return "unknown"
	}
	return label
}
