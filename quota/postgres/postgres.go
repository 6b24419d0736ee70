// Package postgres provides a PostgreSQL-backed QuotaLedger for stockify.
//
// Each model's window is one row. TryConsume locks the row for the duration
// of its transaction, so concurrent consumers in any number of processes
// observe the ceiling exactly. State survives restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/stockify"
)

// Ledger is a PostgreSQL-backed QuotaLedger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ stockify.QuotaLedger      = (*Ledger)(nil)
	_ stockify.QuotaInitializer = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "stockify_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new PostgreSQL-backed QuotaLedger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "stockify_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) windowsTable() string { return l.tablePrefix + "quota_windows" }

// EnsureSchema creates the required table if it doesn't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			model TEXT PRIMARY KEY,
			ceiling BIGINT NOT NULL,
			window_ms BIGINT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			used BIGINT NOT NULL DEFAULT 0
		);
	`, l.windowsTable())
	_, err := l.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("stockify/postgres: ensure schema: %w", err)
	}
	return nil
}

// TryConsume takes amount units from the model's current window.
func (l *Ledger) TryConsume(ctx context.Context, model string, amount int64) (stockify.Grant, error) {
	if amount <= 0 {
		return stockify.Grant{}, fmt.Errorf("stockify/postgres: amount must be positive, got %d", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return stockify.Grant{}, fmt.Errorf("stockify/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ceiling, windowMs, used int64
		start                   time.Time
	)
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT ceiling, window_ms, window_start, used FROM %s WHERE model = $1 FOR UPDATE`, l.windowsTable()),
		model,
	).Scan(&ceiling, &windowMs, &start, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		// Model not found, unlimited.
		return stockify.Grant{Model: model, Amount: amount, Allowed: true, Unlimited: true}, nil
	}
	if err != nil {
		return stockify.Grant{}, fmt.Errorf("stockify/postgres: select window: %w", err)
	}

	// timestamptz keeps microseconds; grants must compare equal on refund.
	now := l.now().UTC().Truncate(time.Microsecond)
	length := time.Duration(windowMs) * time.Millisecond

	// Lazy window reset.
	if !now.Before(start.Add(length)) {
		start = now
		used = 0
	}

	grant := stockify.Grant{
		Model:       model,
		Amount:      amount,
		WindowStart: start,
		ResetAt:     start.Add(length),
	}
	if used+amount <= ceiling {
		used += amount
		grant.Allowed = true
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET window_start = $1, used = $2 WHERE model = $3`, l.windowsTable()),
		start, used, model,
	)
	if err != nil {
		return stockify.Grant{}, fmt.Errorf("stockify/postgres: update window: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return stockify.Grant{}, fmt.Errorf("stockify/postgres: commit: %w", err)
	}
	return grant, nil
}

// Refund returns the units of an allowed grant to its window.
func (l *Ledger) Refund(ctx context.Context, grant stockify.Grant) error {
	if !grant.Allowed || grant.Unlimited {
		return nil
	}

	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = GREATEST(used - $1, 0) WHERE model = $2 AND window_start = $3`,
			l.windowsTable()),
		grant.Amount, grant.Model, grant.WindowStart,
	)
	if err != nil {
		return fmt.Errorf("stockify/postgres: refund: %w", err)
	}
	return nil
}

// Remaining returns the units left in the model's current window.
func (l *Ledger) Remaining(ctx context.Context, model string) (int64, error) {
	var ceiling, windowMs, used int64
	var start time.Time

	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT ceiling, window_ms, window_start, used FROM %s WHERE model = $1`,
			l.windowsTable()),
		model,
	).Scan(&ceiling, &windowMs, &start, &used)

	if errors.Is(err, pgx.ErrNoRows) {
		return stockify.UnlimitedQuota, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stockify/postgres: remaining: %w", err)
	}

	// Lazy reset check (read-only).
	if !l.now().Before(start.Add(time.Duration(windowMs) * time.Millisecond)) {
		used = 0
	}

	available := ceiling - used
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

// SetCeiling configures the ceiling and window length for a model (upsert).
// An existing window keeps its start and usage.
func (l *Ledger) SetCeiling(model string, ceiling int64, length time.Duration) error {
	if length <= 0 {
		length = stockify.DefaultQuotaWindow
	}

	ctx := context.Background()
	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (model, ceiling, window_ms, window_start)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (model) DO UPDATE SET ceiling = $2, window_ms = $3`,
			l.windowsTable()),
		model, ceiling, length.Milliseconds(), l.now().UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return fmt.Errorf("stockify/postgres: set ceiling: %w", err)
	}
	return nil
}
