// Package ratelimit provides per-host token-bucket rate limiting shared by
// every outbound HTTP call.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keys one token bucket per remote host so that throttling Danawa
// never delays Reddit and vice versa.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter applying rps and burst to each host.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Wait blocks until a request for host is allowed or the context ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.hostLimiter(host).Wait(ctx)
}

// Allow reports whether a request for host may proceed immediately.
func (l *Limiter) Allow(host string) bool {
	return l.hostLimiter(host).Allow()
}

// Tokens returns the tokens currently available for host.
func (l *Limiter) Tokens(host string) float64 {
	return l.hostLimiter(host).Tokens()
}
