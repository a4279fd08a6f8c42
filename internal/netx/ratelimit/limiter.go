// Package ratelimit provides per-host request rate limiting for upstream
// API calls.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter applies a token-bucket limit per upstream host, so the ledger API
// and the auth endpoint consume independent budgets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) get(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Allow reports whether a request for host may proceed immediately.
func (l *Limiter) Allow(host string) bool {
	return l.get(host).Allow()
}

// Wait blocks until a request for host is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}
