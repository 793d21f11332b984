package observability

import (
	"fmt"
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

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	checkoutMetricsOnce sync.Once
	checkoutRegistry    *CheckoutMetrics

	quoteMetricsOnce sync.Once
	quoteRegistry    *QuoteMetrics
)

// ModuleMetrics returns the lazily-initialised request metrics shared by the
// JSON-RPC server and the storefront gateway.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total request errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "credify",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "module",
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
// reason.
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

// LedgerMetrics tracks transaction execution on the node.
type LedgerMetrics struct {
	txs          *prometheus.CounterVec
	escrowVolume *prometheus.CounterVec
	height       prometheus.Gauge
}

// Ledger returns the node execution metrics.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			txs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Transactions sequenced by the node segmented by type and status.",
			}, []string{"type", "status", "code"}),
			escrowVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "ledger",
				Name:      "escrow_volume_units_total",
				Help:      "Stablecoin base units moved through escrow transitions.",
			}, []string{"transition"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "credify",
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Current ledger height.",
			}),
		}
		prometheus.MustRegister(ledgerRegistry.txs, ledgerRegistry.escrowVolume, ledgerRegistry.height)
	})
	return ledgerRegistry
}

// RecordTx counts a sequenced transaction.
func (m *LedgerMetrics) RecordTx(txType, status, code string) {
	if m == nil {
		return
	}
	m.txs.WithLabelValues(txType, status, code).Inc()
}

// RecordEscrow adds amount to the volume counter for transition.
func (m *LedgerMetrics) RecordEscrow(transition string, amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	m.escrowVolume.WithLabelValues(transition).Add(bigToFloat(amount))
}

// SetHeight publishes the current height.
func (m *LedgerMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// CheckoutMetrics captures orchestrator outcomes.
type CheckoutMetrics struct {
	outcomes *prometheus.CounterVec
	steps    *prometheus.HistogramVec
}

// Checkout returns the orchestrator metrics.
func Checkout() *CheckoutMetrics {
	checkoutMetricsOnce.Do(func() {
		checkoutRegistry = &CheckoutMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "checkout",
				Name:      "outcomes_total",
				Help:      "Orchestrator results segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "credify",
				Subsystem: "checkout",
				Name:      "step_duration_seconds",
				Help:      "Latency of individual orchestrator steps.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"step"}),
		}
		prometheus.MustRegister(checkoutRegistry.outcomes, checkoutRegistry.steps)
	})
	return checkoutRegistry
}

// RecordOutcome counts an orchestrator result.
func (m *CheckoutMetrics) RecordOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, strings.ToLower(outcome)).Inc()
}

// ObserveStep records how long a step took.
func (m *CheckoutMetrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step).Observe(d.Seconds())
}

// QuoteMetrics tracks where price quotes came from.
type QuoteMetrics struct {
	quotes *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// Quotes returns the price quote cache metrics.
func Quotes() *QuoteMetrics {
	quoteMetricsOnce.Do(func() {
		quoteRegistry = &QuoteMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "quotes",
				Name:      "served_total",
				Help:      "Quotes served segmented by symbol and origin (live, cached, stale, fallback).",
			}, []string{"symbol", "origin"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credify",
				Subsystem: "quotes",
				Name:      "source_errors_total",
				Help:      "Price source fetch failures.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(quoteRegistry.quotes, quoteRegistry.errors)
	})
	return quoteRegistry
}

// RecordQuote counts a served quote.
func (m *QuoteMetrics) RecordQuote(symbol, origin string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(strings.ToUpper(symbol), origin).Inc()
}

// RecordSourceError counts a failed fetch.
func (m *QuoteMetrics) RecordSourceError(source string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(source).Inc()
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	return f
}
