package stockify

import "time"

// RateLimiter is a short-horizon throttle in front of the upstream model.
type RateLimiter interface {
	// Acquire takes a token for model if one is available and returns zero.
	// Otherwise it returns how long the caller should wait before asking again.
	// It never blocks.
	Acquire(model string) time.Duration
}

// LimitInitializer is implemented by limiters that can be seeded from the model catalog.
type LimitInitializer interface {
	SetLimit(model string, ratePerSecond float64, burst int)
}
