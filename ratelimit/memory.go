package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how many calls may pass between expiry sweeps.
const sweepEvery = 1024

type counter struct {
	count     int
	expiresAt time.Time
}

// Memory is an in-process fixed-window limiter.
type Memory struct {
	Now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
	calls    int
}

func NewMemory() *Memory {
	return &Memory{Now: time.Now, counters: make(map[string]*counter)}
}

// Allow never fails.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters == nil {
		m.counters = make(map[string]*counter)
	}
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	k := bucketKey(key, window, now)
	c, ok := m.counters[k]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window + expirySlack)}
		m.counters[k] = c
	}
	c.count++
	return c.count <= limit, nil
}

func (m *Memory) sweep(now time.Time) {
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
		}
	}
}

// Len returns the number of live counters.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
