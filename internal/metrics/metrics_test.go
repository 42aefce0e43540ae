package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	Init()

	before := testutil.ToFloat64(authFailures.WithLabelValues(ReasonAuthInvalid))
	IncAuthFailure(ReasonAuthInvalid)
	if got := testutil.ToFloat64(authFailures.WithLabelValues(ReasonAuthInvalid)); got != before+1 {
		t.Errorf("auth failures = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(rateLimitDecision.WithLabelValues(OutcomeLimited))
	IncRateLimitDecision(OutcomeLimited)
	if got := testutil.ToFloat64(rateLimitDecision.WithLabelValues(OutcomeLimited)); got != before+1 {
		t.Errorf("limited decisions = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(usageRecords.WithLabelValues(ResultDropped))
	IncUsageRecord(ResultDropped)
	if got := testutil.ToFloat64(usageRecords.WithLabelValues(ResultDropped)); got != before+1 {
		t.Errorf("dropped records = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(ledgerErrors.WithLabelValues("count"))
	IncLedgerError("count")
	if got := testutil.ToFloat64(ledgerErrors.WithLabelValues("count")); got != before+1 {
		t.Errorf("ledger errors = %v, want %v", got, before+1)
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // MustRegister would panic on a second registration
	ObserveRequestDuration("GET", 5*time.Millisecond)
	if n := testutil.CollectAndCount(requestDuration); n == 0 {
		t.Error("expected request duration series after observe")
	}
}
