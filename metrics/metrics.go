// Package metrics exposes Prometheus collectors for the billing engine.
// Every helper is a no-op until Init has been called, so tests and tools
// that never register collectors can call them freely.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "hoa_"

	resultSuccess  = "success"
	resultError    = "error"
	resultConflict = "conflict"
)

var (
	registerOnce sync.Once

	operationTotal   *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	conflictRetries *prometheus.CounterVec

	billsGenerated   *prometheus.CounterVec
	penaltyUpdates   *prometheus.CounterVec
	paymentCentavos  *prometheus.CounterVec
	reversalsTotal   *prometheus.CounterVec
	reversalSkipped  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	auditWriteErrors prometheus.Counter
)

// Init registers the collectors with the default registry.
func Init() {
	registerOnce.Do(func() {
		operationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operation_total",
				Help: "Total engine operations by operation and result",
			},
			[]string{"operation", "result"},
		)
		operationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_latency_seconds",
				Help:    "Engine operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		)
		conflictRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "conflict_retries_total",
				Help: "Units of work re-run after an optimistic concurrency conflict",
			},
			[]string{"operation"},
		)
		billsGenerated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bills_generated_total",
				Help: "Total bills emitted by the period generator",
			},
			[]string{"domain"},
		)
		penaltyUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "penalty_updates_total",
				Help: "Bills visited by the penalty refresher by outcome",
			},
			[]string{"domain", "outcome"},
		)
		paymentCentavos = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payment_centavos_total",
				Help: "Centavos distributed by allocation type",
			},
			[]string{"type"},
		)
		reversalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reversals_total",
				Help: "Transaction reversals by classification and final state",
			},
			[]string{"kind", "state"},
		)
		reversalSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reversal_skipped_documents_total",
				Help: "Documents a reversal skipped because they no longer exist",
			},
			[]string{"kind"},
		)
		cacheLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_lookups_total",
				Help: "Bill period cache lookups by backend and result",
			},
			[]string{"backend", "result"},
		)
		auditWriteErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "audit_write_errors_total",
				Help: "Audit entries that could not be written",
			},
		)

		prometheus.MustRegister(
			operationTotal,
			operationLatency,
			conflictRetries,
			billsGenerated,
			penaltyUpdates,
			paymentCentavos,
			reversalsTotal,
			reversalSkipped,
			cacheLookups,
			auditWriteErrors,
		)
	})
}

// Result maps an operation error to a result label.
func Result(err error, retryable bool) string {
	switch {
	case err == nil:
		return resultSuccess
	case retryable:
		return resultConflict
	default:
		return resultError
	}
}

// ObserveOperation records one engine operation.
func ObserveOperation(operation, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if operationTotal != nil {
		operationTotal.WithLabelValues(operation, result).Inc()
	}
	if operationLatency != nil {
		operationLatency.WithLabelValues(operation, result).Observe(duration.Seconds())
	}
}

// IncConflictRetry counts a unit of work re-run after a conflict.
func IncConflictRetry(operation string) {
	if conflictRetries != nil {
		conflictRetries.WithLabelValues(operation).Inc()
	}
}

// AddBillsGenerated counts bills emitted for a domain.
func AddBillsGenerated(domain string, count int) {
	if count <= 0 {
		return
	}
	if billsGenerated != nil {
		billsGenerated.WithLabelValues(domain).Add(float64(count))
	}
}

// AddPenaltyUpdates counts refresher outcomes ("updated", "unchanged", "unresolvable", "failed").
func AddPenaltyUpdates(domain, outcome string, count int) {
	if count <= 0 {
		return
	}
	if penaltyUpdates != nil {
		penaltyUpdates.WithLabelValues(domain, outcome).Add(float64(count))
	}
}

// AddPaymentCentavos counts distributed centavos for an allocation type.
func AddPaymentCentavos(allocationType string, amount int64) {
	if amount <= 0 {
		return
	}
	if paymentCentavos != nil {
		paymentCentavos.WithLabelValues(allocationType).Add(float64(amount))
	}
}

// IncReversal counts a finished reversal.
func IncReversal(kind, state string) {
	if kind == "" {
		kind = "unknown"
	}
	if reversalsTotal != nil {
		reversalsTotal.WithLabelValues(kind, state).Inc()
	}
}

// AddReversalSkipped counts documents a reversal tolerated as missing.
func AddReversalSkipped(kind string, count int) {
	if count <= 0 {
		return
	}
	if reversalSkipped != nil {
		reversalSkipped.WithLabelValues(kind).Add(float64(count))
	}
}

// IncCacheLookup counts a cache hit or miss.
func IncCacheLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(backend, result).Inc()
	}
}

// IncAuditWriteError counts a failed audit write.
func IncAuditWriteError() {
	if auditWriteErrors != nil {
		auditWriteErrors.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess  = resultSuccess
	ResultError    = resultError
	ResultConflict = resultConflict
)
