package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLimiter keeps an exact sliding log of admissions per key in process
// memory. Check and reserve happen under one lock, so concurrent requests
// cannot overshoot. State is lost on restart and is not shared between
// replicas.
type MemoryLimiter struct {
	mu        sync.Mutex
	logs      map[int64][]time.Time // ascending admission times within the hour window
	clock     Clock
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryLimiter creates an in-memory limiter. cleanupInterval controls how
// often idle keys are evicted (0 disables the sweeper).
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		logs:  make(map[int64][]time.Time),
		clock: SystemClock{},
		done:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.cleanup = time.NewTicker(cleanupInterval)
		go m.cleanupLoop()
	}
	return m
}

// WithClock sets a custom clock (for testing).
func (m *MemoryLimiter) WithClock(c Clock) *MemoryLimiter {
	m.clock = c
	return m
}

// Check implements Limiter. An admitted request is recorded before Check
// returns.
func (m *MemoryLimiter) Check(_ context.Context, keyID int64, hourlyLimit int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	log := prune(m.logs[keyID], now.Add(-HourWindow))

	minuteStart := now.Add(-MinuteWindow)
	i := sort.Search(len(log), func(i int) bool { return !log[i].Before(minuteStart) })
	minuteCount := len(log) - i

	d := decide(minuteCount, len(log), hourlyLimit)
	if !d.Exceeded {
		log = append(log, now)
	}
	if len(log) == 0 {
		delete(m.logs, keyID)
	} else {
		m.logs[keyID] = log
	}
	return record(d), nil
}

// prune drops entries older than since. Entries exactly at since stay in the
// window.
func prune(log []time.Time, since time.Time) []time.Time {
	i := sort.Search(len(log), func(i int) bool { return !log[i].Before(since) })
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

func (m *MemoryLimiter) cleanupLoop() {
	for {
		select {
		case <-m.cleanup.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep evicts keys with no admissions in the last hour.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.clock.Now().Add(-HourWindow)
	for id, log := range m.logs {
		if log = prune(log, since); len(log) == 0 {
			delete(m.logs, id)
		} else {
			m.logs[id] = log
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() {
		if m.cleanup != nil {
			m.cleanup.Stop()
		}
		close(m.done)
	})
	return nil
}
