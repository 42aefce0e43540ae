package ratelimit

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"default is ledger", Config{Counter: &fakeCounter{}}, "*ratelimit.LedgerLimiter", false},
		{"ledger without counter", Config{Backend: BackendLedger}, "", true},
		{"memory", Config{Backend: BackendMemory}, "*ratelimit.MemoryLimiter", false},
		{"redis", Config{Backend: BackendRedis, RedisClient: redis.NewClient(&redis.Options{Addr: mr.Addr()})}, "*ratelimit.RedisLimiter", false},
		{"redis without client", Config{Backend: BackendRedis}, "", true},
		{"unknown", Config{Backend: "leaky-bucket"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer l.Close()
			if got := typeName(l); got != tt.want {
				t.Errorf("New returned %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(l Limiter) string {
	switch l.(type) {
	case *LedgerLimiter:
		return "*ratelimit.LedgerLimiter"
	case *MemoryLimiter:
		return "*ratelimit.MemoryLimiter"
	case *RedisLimiter:
		return "*ratelimit.RedisLimiter"
	}
	return "unknown"
}
