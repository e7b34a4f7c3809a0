package fetcher

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out requests to the same host
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	delay    time.Duration
}

// NewRateLimiter creates a limiter allowing one request per host every delay.
// A non-positive delay disables limiting.
func NewRateLimiter(delay time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
	}
}

// Wait blocks until a request to rawURL's host may proceed
func (r *RateLimiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	r.mu.RLock()
	limiter, exists := r.limiters[u.Host]
	r.mu.RUnlock()

	if !exists {
		if r.delay <= 0 {
			return ctx.Err()
		}
		limiter = r.limiter(u.Host)
	}
	return limiter.Wait(ctx)
}

// SetHostDelay overrides the delay for one host, e.g. from a robots.txt crawl-delay
func (r *RateLimiter) SetHostDelay(host string, delay time.Duration) {
	if delay <= r.delay {
		return
	}

	limit := rate.Every(delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.limiters[host]; ok && existing.Limit() == limit {
		return
	}
	r.limiters[host] = rate.NewLimiter(limit, 1)
}

func (r *RateLimiter) limiter(host string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[host]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again in case another goroutine created it
	if limiter, exists := r.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Every(r.delay), 1)
	r.limiters[host] = limiter
	return limiter
}
