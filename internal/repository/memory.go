package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter is the process-local limiter used when Redis is not
// configured or is down.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count     int
	expiresAt time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

func (r *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &rateWindow{expiresAt: now.Add(window)}
		r.windows[key] = w
	}
	w.count++

	if len(r.windows) > 10_000 {
		r.evict(now)
	}
	return w.count <= limit, nil
}

func (r *MemoryRateLimiter) evict(now time.Time) {
	for k, w := range r.windows {
		if now.After(w.expiresAt) {
			delete(r.windows, k)
		}
	}
}
