package api

import (
	"sync"

	"timebank/internal/config"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per API client.
type rateLimiter struct {
	limiters sync.Map
	cfg      config.APIRateLimitConfig
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg}
}

func (l *rateLimiter) enabled() bool {
	return l.cfg.RPS > 0
}

func (l *rateLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.cfg.RPS), burst))
	return actual.(*rate.Limiter)
}
