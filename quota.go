package stockify

import (
	"context"
	"time"
)

// UnlimitedQuota is reported by Remaining for models without a configured ceiling.
const UnlimitedQuota int64 = -1

// QuotaLedger tracks remaining calls per model per time window.
type QuotaLedger interface {
	// TryConsume atomically takes amount units from the model's current window.
	// A denied consumption is not an error: it returns a Grant with Allowed=false
	// and ResetAt set to the next window reset.
	TryConsume(ctx context.Context, model string, amount int64) (Grant, error)

	// Refund returns the units of an allowed grant. Refunds for a window that
	// has since reset are ignored.
	Refund(ctx context.Context, grant Grant) error

	// Remaining returns the units left in the model's current window,
	// or UnlimitedQuota if no ceiling is configured.
	Remaining(ctx context.Context, model string) (int64, error)
}

// QuotaInitializer is implemented by ledgers that can be seeded from the model catalog.
// A model whose ceiling could not be stored would read as unlimited, so
// seeding errors must be reported.
type QuotaInitializer interface {
	SetCeiling(model string, ceiling int64, window time.Duration) error
}

// Grant is the outcome of a TryConsume call.
type Grant struct {
	Model       string
	Amount      int64
	Allowed     bool
	Unlimited   bool
	WindowStart time.Time
	ResetAt     time.Time
}
