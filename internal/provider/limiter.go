package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles outgoing requests per provider with a token bucket.
// Providers without a configured rate are not limited.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	rps     float64
	burst   int
	limiter *rate.Limiter
}

// NewLimiter creates an empty limiter set.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Wait blocks until a request to provider may proceed. The bucket is rebuilt
// when rps or burst change, so config reloads take effect.
func (l *Limiter) Wait(ctx context.Context, provider string, rps float64, burst int) error {
	if l == nil || rps <= 0 {
		return ctx.Err()
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	b, ok := l.buckets[provider]
	if !ok || b.rps != rps || b.burst != burst {
		b = &bucket{rps: rps, burst: burst, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.buckets[provider] = b
	}
	l.mu.Unlock()
	return b.limiter.Wait(ctx)
}
