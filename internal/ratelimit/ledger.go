package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Counter reads the usage ledger. config.Store implements it.
type Counter interface {
	CountUsageSince(ctx context.Context, keyID int64, since time.Time) (int, error)
}

// LedgerLimiter counts rows in the usage ledger. It never writes: admitted
// requests reach the ledger through the usage recorder after the response.
//
// Count-then-act is not atomic. Concurrent requests for one key all read the
// same counts before any of them is recorded, so a burst can overshoot the
// limit by up to the number of in-flight requests. Use MemoryLimiter or
// RedisLimiter when the limit must be exact.
type LedgerLimiter struct {
	counter Counter
	clock   Clock
	policy  failurePolicy
}

// NewLedgerLimiter returns a limiter over counter. failOpen selects what
// happens when counting fails: admit the request or return
// ErrLedgerUnavailable.
func NewLedgerLimiter(counter Counter, failOpen bool, logger *slog.Logger) *LedgerLimiter {
	return &LedgerLimiter{
		counter: counter,
		clock:   SystemClock{},
		policy:  failurePolicy{failOpen: failOpen, logger: loggerOrDefault(logger)},
	}
}

// WithClock sets a custom clock (for testing).
func (l *LedgerLimiter) WithClock(c Clock) *LedgerLimiter {
	l.clock = c
	return l
}

// Check implements Limiter.
func (l *LedgerLimiter) Check(ctx context.Context, keyID int64, hourlyLimit int) (Decision, error) {
	now := l.clock.Now()
	perMinute := PerMinuteLimit(hourlyLimit)

	minuteCount, err := l.counter.CountUsageSince(ctx, keyID, now.Add(-MinuteWindow))
	if err != nil {
		return l.policy.onError(keyID, err)
	}
	if minuteCount >= perMinute {
		return record(minuteExceeded(perMinute, minuteCount)), nil
	}

	hourCount, err := l.counter.CountUsageSince(ctx, keyID, now.Add(-HourWindow))
	if err != nil {
		return l.policy.onError(keyID, err)
	}
	return record(decide(minuteCount, hourCount, hourlyLimit)), nil
}

// Close implements Limiter.
func (l *LedgerLimiter) Close() error { return nil }
