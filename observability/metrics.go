package observability

import (
	"fmt"
	"math"
	"math/big"
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

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bsn",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
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

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
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

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "auth_failed" so dashboards and alerts remain consistent.
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

// SettlementMetrics bundles collectors tracking the DvP engine itself: how
// much value clears, which operations get rejected and whether the module
// is halted. Transition counts come from the journal collectors in
// events.go.
type SettlementMetrics struct {
	failures     *prometheus.CounterVec
	bondSettled  prometheus.Counter
	cashSettled  prometheus.Counter
	pauseEngaged prometheus.Gauge
}

// Settlement exposes the metrics registry for the settlement engine.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "settlement",
				Name:      "failures_total",
				Help:      "Count of rejected settlement operations segmented by operation and failure class.",
			}, []string{"operation", "class"}),
			bondSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "settlement",
				Name:      "bond_units_settled_total",
				Help:      "Cumulative bond units delivered through executed settlements.",
			}),
			cashSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "settlement",
				Name:      "cash_minor_units_settled_total",
				Help:      "Cumulative stablecoin minor units paid through executed settlements.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bsn",
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.failures,
			settlementRegistry.bondSettled,
			settlementRegistry.cashSettled,
			settlementRegistry.pauseEngaged,
		)
	})
	return settlementRegistry
}

// RecordFailure increments the rejection counter for an operation and its
// failure class.
func (m *SettlementMetrics) RecordFailure(operation, class string) {
	if m == nil {
		return
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	if class = strings.TrimSpace(class); class == "" {
		class = "unknown"
	}
	m.failures.WithLabelValues(operation, class).Inc()
}

// RecordSettledValue adds the executed amounts to the cleared-value counters.
func (m *SettlementMetrics) RecordSettledValue(bondUnits, cashMinor *big.Int) {
	if m == nil {
		return
	}
	if v := bigToFloat(bondUnits); v > 0 {
		m.bondSettled.Add(v)
	}
	if v := bigToFloat(cashMinor); v > 0 {
		m.cashSettled.Add(v)
	}
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// GatewayMetrics wraps collectors tracking settlement-gateway health:
// webhook delivery and how far the event watcher trails the node journal.
type GatewayMetrics struct {
	webhookAttempts *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	eventLag        prometheus.Gauge
	idempotentHits  prometheus.Counter
}

// Gateway exposes the metrics registry for the settlement gateway service.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "gateway",
				Name:      "webhook_attempts_total",
				Help:      "Count of webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bsn",
				Subsystem: "gateway",
				Name:      "webhook_duration_seconds",
				Help:      "Latency distribution for webhook deliveries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			eventLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bsn",
				Subsystem: "gateway",
				Name:      "event_lag",
				Help:      "Journal sequences the gateway watcher has not yet processed.",
			}),
			idempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Count of requests answered from the idempotency store.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.webhookAttempts,
			gatewayRegistry.webhookLatency,
			gatewayRegistry.eventLag,
			gatewayRegistry.idempotentHits,
		)
	})
	return gatewayRegistry
}

// ObserveWebhook records one delivery attempt.
func (m *GatewayMetrics) ObserveWebhook(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.webhookAttempts.WithLabelValues(outcome).Inc()
	m.webhookLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetEventLag updates the watcher lag gauge.
func (m *GatewayMetrics) SetEventLag(pending uint64) {
	if m == nil {
		return
	}
	m.eventLag.Set(float64(pending))
}

// RecordIdempotentReplay counts a request served from the stored response.
func (m *GatewayMetrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
