// Package retry provides an exponential backoff RetryPolicy.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/ineyio/stockify"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.2
)

// Policy retries transient failures with exponentially growing delays.
// A retry-after hint from the server takes precedence over the backoff.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	rand        func() float64
}

var _ stockify.RetryPolicy = (*Policy)(nil)

// Option configures Policy.
type Option func(*Policy)

// WithMaxAttempts sets the total number of attempts per task.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.maxAttempts = n }
}

// WithBaseDelay sets the delay after the first failed attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.baseDelay = d }
}

// WithMaxDelay caps the backoff before jitter is added.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.maxDelay = d }
}

// WithJitter sets the jitter factor in [0, 1]. The delay is extended by up to
// this fraction of itself.
func WithJitter(f float64) Option {
	return func(p *Policy) { p.jitter = f }
}

// WithRand overrides the source of jitter, a function returning values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(p *Policy) { p.rand = fn }
}

// New creates a Policy. Unset or invalid values fall back to the defaults.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		jitter:      DefaultJitter,
		rand:        rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = DefaultBaseDelay
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	if p.jitter < 0 || p.jitter > 1 {
		p.jitter = DefaultJitter
	}
	return p
}

// FromConfig creates a Policy from the retry section of the config.
func FromConfig(cfg stockify.RetryConfig, opts ...Option) *Policy {
	base := []Option{
		WithMaxAttempts(cfg.MaxAttempts),
		WithBaseDelay(cfg.BaseDelay),
		WithMaxDelay(cfg.MaxDelay),
	}
	if cfg.Jitter > 0 {
		base = append(base, WithJitter(cfg.Jitter))
	}
	return New(append(base, opts...)...)
}

// Classify reports whether err is worth retrying.
func (p *Policy) Classify(err error) stockify.RetryClass {
	if stockify.IsRetryable(err) {
		return stockify.Retryable
	}
	return stockify.Terminal
}

// MaxAttempts returns the total number of attempts allowed per task.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Delay returns the wait before the next attempt. attempt is the number of
// attempts made so far.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	if d, ok := stockify.RetryAfter(err); ok {
		return d
	}
	return p.Backoff(attempt)
}

// Backoff returns min(base*2^(attempt-1), max) extended by a random jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.baseDelay
	for i := 1; i < attempt && d < p.maxDelay; i++ {
		d *= 2
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}

	if p.jitter > 0 {
		d += time.Duration(p.jitter * p.rand() * float64(d))
	}
	return d
}
