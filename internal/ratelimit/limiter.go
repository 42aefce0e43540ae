// Package ratelimit decides whether an API key may make another request.
// Every backend applies the same two sliding windows: a 60 second burst
// window capped at PerMinuteLimit(hourly) and a 3600 second sustained window
// capped at the key's hourly limit. The burst window is checked first.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keygate/keygate/internal/metrics"
)

const (
	// MinPerMinute is the floor applied to the derived per-minute cap.
	MinPerMinute = 10

	MinuteWindow = time.Minute
	HourWindow   = time.Hour
)

// Backends selectable through rate_limit.backend.
const (
	BackendLedger = "ledger"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrLedgerUnavailable is returned by Check when usage cannot be counted and
// the limiter is configured to fail closed.
var ErrLedgerUnavailable = errors.New("usage ledger unavailable")

// Decision is the outcome of a Check. When Exceeded is false the other
// fields are zero.
type Decision struct {
	Exceeded   bool
	Limit      int
	Usage      int
	ResetIn    string
	RetryAfter time.Duration
}

// Limiter is implemented by every backend.
type Limiter interface {
	// Check decides whether keyID may make one more request. Backends that
	// keep their own state reserve the slot when they admit.
	Check(ctx context.Context, keyID int64, hourlyLimit int) (Decision, error)

	// Close releases backend resources.
	Close() error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PerMinuteLimit derives the burst cap from an hourly limit: one sixtieth of
// it, but never below MinPerMinute. The floor means small hourly limits get
// a burst cap larger than an even spread would give.
func PerMinuteLimit(hourly int) int {
	if n := hourly / 60; n > MinPerMinute {
		return n
	}
	return MinPerMinute
}

// decide applies the two windows to counts that were read before the
// current request.
func decide(minuteCount, hourCount, hourly int) Decision {
	perMinute := PerMinuteLimit(hourly)
	if minuteCount >= perMinute {
		return minuteExceeded(perMinute, minuteCount)
	}
	if hourCount >= hourly {
		return hourExceeded(hourly, hourCount)
	}
	return Decision{}
}

func minuteExceeded(limit, usage int) Decision {
	return Decision{Exceeded: true, Limit: limit, Usage: usage, ResetIn: "1 minute", RetryAfter: MinuteWindow}
}

func hourExceeded(limit, usage int) Decision {
	return Decision{Exceeded: true, Limit: limit, Usage: usage, ResetIn: "1 hour", RetryAfter: HourWindow}
}

// failurePolicy turns a counting error into a decision.
type failurePolicy struct {
	failOpen bool
	logger   *slog.Logger
}

func (p failurePolicy) onError(keyID int64, err error) (Decision, error) {
	metrics.IncLedgerError("count")
	if p.failOpen {
		metrics.IncRateLimitDecision(metrics.OutcomeFailedOpen)
		p.logger.Warn("rate limit check failed, admitting request", "api_key_id", keyID, "error", err)
		return Decision{}, nil
	}
	metrics.IncRateLimitDecision(metrics.OutcomeFailedClosed)
	p.logger.Error("rate limit check failed, rejecting request", "api_key_id", keyID, "error", err)
	return Decision{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func record(d Decision) Decision {
	if d.Exceeded {
		metrics.IncRateLimitDecision(metrics.OutcomeLimited)
	} else {
		metrics.IncRateLimitDecision(metrics.OutcomeAllowed)
	}
	return d
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
