package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "ghostcredit"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	creditMetricsOnce sync.Once
	creditRegistry    *CreditMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
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

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
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
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
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

// VaultMetrics tracks vault commands and interest accrual.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	interest   *prometheus.CounterVec
	fees       *prometheus.CounterVec
}

// Vault returns the lazily-initialised vault metrics registry.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Vault commands segmented by denom, operation and outcome.",
			}, []string{"denom", "operation", "outcome"}),
			interest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "interest_distributed_total",
				Help:      "Base units of interest credited to depositors.",
			}, []string{"denom"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "fees_collected_total",
				Help:      "Base units of protocol fees charged to borrowers.",
			}, []string{"denom"}),
		}
		prometheus.MustRegister(vaultRegistry.operations, vaultRegistry.interest, vaultRegistry.fees)
	})
	return vaultRegistry
}

// RecordOperation counts a vault command. A nil err counts as success.
func (m *VaultMetrics) RecordOperation(denom, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(denom, operation, outcome).Inc()
}

// RecordInterest adds distributed interest and fees, in base units.
func (m *VaultMetrics) RecordInterest(denom string, interest, fee float64) {
	if m == nil {
		return
	}
	if interest > 0 {
		m.interest.WithLabelValues(denom).Add(interest)
	}
	if fee > 0 {
		m.fees.WithLabelValues(denom).Add(fee)
	}
}

// InterestDistributed returns the interest counter for denom.
func (m *VaultMetrics) InterestDistributed(denom string) prometheus.Counter {
	return m.interest.WithLabelValues(denom)
}

// CreditMetrics tracks account commands and liquidations.
type CreditMetrics struct {
	commands      *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
	steps         *prometheus.CounterVec
	continuations prometheus.Histogram

	// OTLP mirrors of the liquidation series, exported when telemetry is on.
	stepCounter        metric.Int64Counter
	liquidationCounter metric.Int64Counter
}

// Credit returns the lazily-initialised credit metrics registry.
func Credit() *CreditMetrics {
	creditMetricsOnce.Do(func() {
		creditRegistry = &CreditMetrics{
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "commands_total",
				Help:      "Account commands segmented by command and outcome.",
			}, []string{"command", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "liquidations_total",
				Help:      "Terminal liquidation outcomes.",
			}, []string{"outcome"}),
			steps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "liquidation_steps_total",
				Help:      "Liquidation steps segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			continuations: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "liquidation_continuations",
				Help:      "Continuations needed to reach a terminal liquidation state.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			}),
		}
		prometheus.MustRegister(
			creditRegistry.commands,
			creditRegistry.liquidations,
			creditRegistry.steps,
			creditRegistry.continuations,
		)
		creditRegistry.initMeter()
	})
	return creditRegistry
}

func (m *CreditMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("ghostcredit/credit")
	steps, err := meter.Int64Counter("credit.liquidation.steps",
		metric.WithDescription("Liquidation steps segmented by kind and outcome."))
	if err != nil {
		meter = noop.NewMeterProvider().Meter("ghostcredit/credit")
		steps, _ = meter.Int64Counter("credit.liquidation.steps")
	}
	liquidations, err := meter.Int64Counter("credit.liquidations",
		metric.WithDescription("Terminal liquidation outcomes."))
	if err != nil {
		liquidations, _ = noop.NewMeterProvider().Meter("ghostcredit/credit").Int64Counter("credit.liquidations")
	}
	m.stepCounter = steps
	m.liquidationCounter = liquidations
}

// RecordCommand counts an account command. A nil err counts as success.
func (m *CreditMetrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

// RecordStep counts a liquidation step by kind ("preference", "mandatory")
// and outcome ("executed", "skipped", "failed", "rejected").
func (m *CreditMetrics) RecordStep(kind, outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(kind, outcome).Inc()
	m.stepCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordLiquidation records a terminal liquidation outcome.
func (m *CreditMetrics) RecordLiquidation(outcome string, continuations uint32) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(outcome).Inc()
	m.continuations.Observe(float64(continuations))
	m.liquidationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
