// Package quota provides an in-memory QuotaLedger.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/stockify"
)

// MemoryLedger is an in-memory QuotaLedger with lazily reset windows.
// Each model has its own lock, so models never contend with each other.
type MemoryLedger struct {
	mu     sync.RWMutex
	models map[string]*window
	now    func() time.Time
}

type window struct {
	mu      sync.Mutex
	ceiling int64
	length  time.Duration
	start   time.Time
	used    int64
}

var (
	_ stockify.QuotaLedger      = (*MemoryLedger)(nil)
	_ stockify.QuotaInitializer = (*MemoryLedger)(nil)
)

// Option configures MemoryLedger.
type Option func(*MemoryLedger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		models: make(map[string]*window),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetCeiling configures the ceiling and window length for a model.
// Usage in the current window is preserved.
func (l *MemoryLedger) SetCeiling(model string, ceiling int64, length time.Duration) error {
	if length <= 0 {
		length = stockify.DefaultQuotaWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.models[model]; ok {
		w.mu.Lock()
		w.ceiling = ceiling
		w.length = length
		w.mu.Unlock()
		return nil
	}
	l.models[model] = &window{
		ceiling: ceiling,
		length:  length,
		start:   l.now(),
	}
	return nil
}

// TryConsume takes amount units from the model's current window.
func (l *MemoryLedger) TryConsume(_ context.Context, model string, amount int64) (stockify.Grant, error) {
	if amount <= 0 {
		return stockify.Grant{}, fmt.Errorf("stockify/quota: amount must be positive, got %d", amount)
	}

	w := l.window(model)
	if w == nil {
		// No ceiling configured, unlimited.
		return stockify.Grant{Model: model, Amount: amount, Allowed: true, Unlimited: true}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	l.maybeReset(w)

	grant := stockify.Grant{
		Model:       model,
		Amount:      amount,
		WindowStart: w.start,
		ResetAt:     w.start.Add(w.length),
	}
	if w.used+amount > w.ceiling {
		return grant, nil
	}

	w.used += amount
	grant.Allowed = true
	return grant, nil
}

// Refund returns the units of an allowed grant to its window.
func (l *MemoryLedger) Refund(_ context.Context, grant stockify.Grant) error {
	if !grant.Allowed || grant.Unlimited {
		return nil
	}

	w := l.window(grant.Model)
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// The window has reset since the grant; its units are already gone.
	if !w.start.Equal(grant.WindowStart) {
		return nil
	}

	w.used -= grant.Amount
	if w.used < 0 {
		w.used = 0
	}
	return nil
}

// Remaining returns the units left in the model's current window.
func (l *MemoryLedger) Remaining(_ context.Context, model string) (int64, error) {
	w := l.window(model)
	if w == nil {
		return stockify.UnlimitedQuota, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	l.maybeReset(w)

	available := w.ceiling - w.used
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

func (l *MemoryLedger) window(model string) *window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.models[model]
}

// maybeReset starts a new window once the current one has elapsed.
// Must be called with w.mu held.
func (l *MemoryLedger) maybeReset(w *window) {
	now := l.now()
	if !now.Before(w.start.Add(w.length)) {
		w.used = 0
		w.start = now
	}
}
