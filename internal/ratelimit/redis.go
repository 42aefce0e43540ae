package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var slidingWindowScript string

// RedisLimiter keeps the sliding log in a Redis sorted set per key and runs
// check-and-reserve as one Lua script, so the limit is exact across every
// gateway replica sharing the Redis instance.
type RedisLimiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	keyPrefix string
	clock     Clock
	policy    failurePolicy
	closeOnce sync.Once
}

// NewRedisLimiter creates a Redis-backed limiter. keyPrefix is prepended to
// every key, e.g. "keygate:rl:".
func NewRedisLimiter(client redis.UniversalClient, keyPrefix string, failOpen bool, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(slidingWindowScript),
		keyPrefix: keyPrefix,
		clock:     SystemClock{},
		policy:    failurePolicy{failOpen: failOpen, logger: loggerOrDefault(logger)},
	}
}

// WithClock sets a custom clock (for testing).
func (r *RedisLimiter) WithClock(c Clock) *RedisLimiter {
	r.clock = c
	return r
}

// Check implements Limiter. An admitted request is recorded in Redis before
// Check returns. Redis errors follow the same fail-open policy as the ledger.
func (r *RedisLimiter) Check(ctx context.Context, keyID int64, hourlyLimit int) (Decision, error) {
	values, err := r.run(ctx, keyID, hourlyLimit)
	if err != nil {
		return r.policy.onError(keyID, err)
	}
	if len(values) != 3 {
		return r.policy.onError(keyID, fmt.Errorf("unexpected script result: %v", values))
	}

	window, _ := values[0].(int64)
	limit, _ := values[1].(int64)
	usage, _ := values[2].(int64)

	switch window {
	case 1:
		return record(minuteExceeded(int(limit), int(usage))), nil
	case 2:
		return record(hourExceeded(int(limit), int(usage))), nil
	default:
		return record(Decision{}), nil
	}
}

func (r *RedisLimiter) run(ctx context.Context, keyID int64, hourlyLimit int) ([]interface{}, error) {
	keys := []string{r.keyPrefix + strconv.FormatInt(keyID, 10)}
	args := []interface{}{
		r.clock.Now().UnixMilli(),   // ARGV[1]
		PerMinuteLimit(hourlyLimit), // ARGV[2]
		hourlyLimit,                 // ARGV[3]
		uuid.NewString(),            // ARGV[4]
	}

	result, err := r.script.Run(ctx, r.client, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if _, loadErr := r.script.Load(ctx, r.client).Result(); loadErr != nil {
			return nil, fmt.Errorf("load rate limit script: %w", loadErr)
		}
		result, err = r.script.Run(ctx, r.client, keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("run rate limit script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", result)
	}
	return values, nil
}

// Close closes the Redis connection. Safe to call multiple times.
func (r *RedisLimiter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.client.Close()
	})
	return err
}
