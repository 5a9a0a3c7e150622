package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a keyed token-bucket limiter backed by
// golang.org/x/time/rate, one bucket per installation or global scope.
// Process-local; multi-instance deployments share load but not limits.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates an empty keyed limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more event for key fits within limit
// events per window. The bucket is created lazily with a burst of the
// full limit, so a quiet key can absorb a provider redelivery spike.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	// A non-positive limit admits nothing rather than dividing by zero
	// in the refill interval.
	if limit <= 0 {
		return false, nil
	}

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow(), nil
}
