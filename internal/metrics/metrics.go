// Package metrics holds keygate's Prometheus series. Everything is registered
// on the default registry on first use, so /metrics can be served with
// promhttp.Handler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth failure reasons, matching the gate's error taxonomy.
const (
	ReasonAuthMissing = "AUTH_MISSING"
	ReasonAuthInvalid = "AUTH_INVALID"
)

// Rate limit outcomes.
const (
	OutcomeAllowed      = "allowed"
	OutcomeLimited      = "limited"
	OutcomeFailedOpen   = "failed_open"
	OutcomeFailedClosed = "failed_closed"
)

// Usage recorder results.
const (
	ResultRecorded = "recorded"
	ResultFailed   = "failed"
	ResultDropped  = "dropped"
)

var (
	initOnce sync.Once

	authFailures      *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	usageRecords      *prometheus.CounterVec
	ledgerErrors      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		authFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_auth_failures_total",
				Help: "API key verification failures by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDecision = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_decisions_total",
				Help: "Rate limit decisions by outcome.",
			},
			[]string{"outcome"},
		)

		usageRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_usage_records_total",
				Help: "Usage ledger writes by result.",
			},
			[]string{"result"},
		)

		ledgerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ledger_errors_total",
				Help: "Usage ledger errors by operation.",
			},
			[]string{"op"},
		)

		requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_request_duration_seconds",
				Help:    "Duration of API key gated requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		prometheus.MustRegister(
			authFailures,
			rateLimitDecision,
			usageRecords,
			ledgerErrors,
			requestDuration,
		)

		// Make the label sets visible at /metrics before the first increment.
		for _, r := range []string{ReasonAuthMissing, ReasonAuthInvalid} {
			authFailures.WithLabelValues(r)
		}
		for _, o := range []string{OutcomeAllowed, OutcomeLimited, OutcomeFailedOpen, OutcomeFailedClosed} {
			rateLimitDecision.WithLabelValues(o)
		}
		for _, r := range []string{ResultRecorded, ResultFailed, ResultDropped} {
			usageRecords.WithLabelValues(r)
		}
	})
}

func IncAuthFailure(reason string) {
	Init()
	authFailures.WithLabelValues(reason).Inc()
}

func IncRateLimitDecision(outcome string) {
	Init()
	rateLimitDecision.WithLabelValues(outcome).Inc()
}

func IncUsageRecord(result string) {
	Init()
	usageRecords.WithLabelValues(result).Inc()
}

// IncLedgerError counts a failed ledger operation: "count", "insert" or "touch".
func IncLedgerError(op string) {
	Init()
	ledgerErrors.WithLabelValues(op).Inc()
}

func ObserveRequestDuration(method string, d time.Duration) {
	Init()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}
