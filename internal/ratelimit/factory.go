package ratelimit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds what New needs to build any backend.
type Config struct {
	Backend     string // "ledger" (default), "memory" or "redis"
	FailOpen    bool
	Counter     Counter               // ledger backend
	RedisClient redis.UniversalClient // redis backend
	KeyPrefix   string
	Logger      *slog.Logger
}

// New creates the limiter selected by cfg.Backend.
func New(cfg Config) (Limiter, error) {
	switch cfg.Backend {
	case "", BackendLedger:
		if cfg.Counter == nil {
			return nil, fmt.Errorf("ledger rate limiter requires a usage counter")
		}
		return NewLedgerLimiter(cfg.Counter, cfg.FailOpen, cfg.Logger), nil
	case BackendMemory:
		return NewMemoryLimiter(time.Minute), nil
	case BackendRedis:
		if cfg.RedisClient == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = "keygate:rl:"
		}
		return NewRedisLimiter(cfg.RedisClient, prefix, cfg.FailOpen, cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}
}
