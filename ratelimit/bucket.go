// Package ratelimit provides a per-model token bucket RateLimiter built on
// golang.org/x/time/rate.
//
// Buckets refill lazily from the elapsed time on the injected clock. No
// timers or goroutines are involved and Acquire never blocks.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ineyio/stockify"
)

// TokenBucket is a RateLimiter keeping one token bucket per model.
type TokenBucket struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

var (
	_ stockify.RateLimiter      = (*TokenBucket)(nil)
	_ stockify.LimitInitializer = (*TokenBucket)(nil)
)

// Option configures TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) { tb.now = now }
}

// New creates a limiter with no configured models.
func New(opts ...Option) *TokenBucket {
	tb := &TokenBucket{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// SetLimit configures the refill rate and capacity for a model. A burst
// below one is raised to one. New buckets start full; a reconfigured bucket
// keeps its tokens up to the new capacity.
func (tb *TokenBucket) SetLimit(model string, ratePerSecond float64, burst int) {
	burst = max(burst, 1)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if l, ok := tb.limiters[model]; ok {
		now := tb.now()
		l.SetLimitAt(now, rate.Limit(ratePerSecond))
		l.SetBurstAt(now, burst)
		return
	}
	tb.limiters[model] = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

// Acquire takes one token for model and returns zero, or returns the time
// until a token will be available without taking one.
func (tb *TokenBucket) Acquire(model string) time.Duration {
	l := tb.limiter(model)
	if l == nil {
		return 0
	}

	now := tb.now()
	if l.AllowN(now, 1) {
		return 0
	}
	if l.Limit() <= 0 {
		// Never refills; report a long but finite wait.
		return time.Hour
	}

	wait := time.Duration((1 - l.TokensAt(now)) / float64(l.Limit()) * float64(time.Second))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

// Tokens returns the tokens currently available for model after refill,
// or -1 if the model is not throttled.
func (tb *TokenBucket) Tokens(model string) float64 {
	l := tb.limiter(model)
	if l == nil {
		return -1
	}
	return l.TokensAt(tb.now())
}

func (tb *TokenBucket) limiter(model string) *rate.Limiter {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.limiters[model]
}
