// Package redis provides a Redis-backed QuotaLedger for stockify.
//
// Each model's window is a Redis hash updated by Lua scripts, so the
// increment-with-ceiling and the lazy window reset are atomic across every
// process sharing the Redis instance.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/stockify"
)

// Ledger is a Redis-backed QuotaLedger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var (
	_ stockify.QuotaLedger      = (*Ledger)(nil)
	_ stockify.QuotaInitializer = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "stockify:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithClock overrides the wall clock. All processes sharing a ledger should
// agree on time; the clock is only used to stamp script arguments.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new Redis-backed QuotaLedger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "stockify:quota:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) modelKey(model string) string {
	return l.keyPrefix + model
}

// consumeScript is a Lua script for atomic consume.
// KEYS[1] = model hash key
// ARGV[1] = amount
// ARGV[2] = now (unix millis)
//
// Returns {status, window_start_ms, reset_at_ms}:
//
//	1  = consumed
//	0  = ceiling reached
//	-1 = model not found (unlimited)
var consumeScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local ceiling = redis.call("HGET", key, "ceiling")
if not ceiling then
    return {-1, 0, 0}
end
ceiling = tonumber(ceiling)

local window = tonumber(redis.call("HGET", key, "window_ms"))
local start = tonumber(redis.call("HGET", key, "start_ms") or "0")
local used = tonumber(redis.call("HGET", key, "used") or "0")

-- Lazy window reset
if now >= start + window then
    start = now
    used = 0
    redis.call("HSET", key, "start_ms", tostring(start), "used", "0")
end

if used + amount > ceiling then
    return {0, start, start + window}
end

redis.call("HINCRBY", key, "used", amount)
return {1, start, start + window}
`)

// refundScript returns units to the window they were taken from.
// KEYS[1] = model hash key
// ARGV[1] = amount
// ARGV[2] = window start of the grant (unix millis)
var refundScript = goredis.NewScript(`
local key = KEYS[1]
local start = redis.call("HGET", key, "start_ms")
if not start or tonumber(start) ~= tonumber(ARGV[2]) then
    return 0
end
local used = tonumber(redis.call("HGET", key, "used") or "0") - tonumber(ARGV[1])
if used < 0 then
    used = 0
end
redis.call("HSET", key, "used", tostring(used))
return 1
`)

// TryConsume takes amount units from the model's current window.
func (l *Ledger) TryConsume(ctx context.Context, model string, amount int64) (stockify.Grant, error) {
	if amount <= 0 {
		return stockify.Grant{}, fmt.Errorf("stockify/redis: amount must be positive, got %d", amount)
	}

	res, err := consumeScript.Run(ctx, l.client,
		[]string{l.modelKey(model)},
		amount, l.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return stockify.Grant{}, fmt.Errorf("stockify/redis: consume: %w", err)
	}
	if len(res) != 3 {
		return stockify.Grant{}, fmt.Errorf("stockify/redis: unexpected consume result: %v", res)
	}

	grant := stockify.Grant{
		Model:       model,
		Amount:      amount,
		WindowStart: time.UnixMilli(res[1]),
		ResetAt:     time.UnixMilli(res[2]),
	}

	switch res[0] {
	case 1:
		grant.Allowed = true
		return grant, nil
	case 0:
		return grant, nil
	case -1:
		// Model not found, unlimited.
		return stockify.Grant{Model: model, Amount: amount, Allowed: true, Unlimited: true}, nil
	default:
		return stockify.Grant{}, fmt.Errorf("stockify/redis: unexpected consume status: %d", res[0])
	}
}

// Refund returns the units of an allowed grant to its window.
func (l *Ledger) Refund(ctx context.Context, grant stockify.Grant) error {
	if !grant.Allowed || grant.Unlimited {
		return nil
	}

	_, err := refundScript.Run(ctx, l.client,
		[]string{l.modelKey(grant.Model)},
		grant.Amount, strconv.FormatInt(grant.WindowStart.UnixMilli(), 10),
	).Result()
	if err != nil {
		return fmt.Errorf("stockify/redis: refund: %w", err)
	}
	return nil
}

// Remaining returns the units left in the model's current window.
func (l *Ledger) Remaining(ctx context.Context, model string) (int64, error) {
	vals, err := l.client.HMGet(ctx, l.modelKey(model), "ceiling", "window_ms", "start_ms", "used").Result()
	if err != nil {
		return 0, fmt.Errorf("stockify/redis: remaining: %w", err)
	}

	// Model not found.
	if vals[0] == nil {
		return stockify.UnlimitedQuota, nil
	}

	ceiling := parseInt(vals[0])
	window := parseInt(vals[1])
	start := parseInt(vals[2])
	used := parseInt(vals[3])

	// Lazy reset check (read-only, don't write).
	if l.now().UnixMilli() >= start+window {
		used = 0
	}

	available := ceiling - used
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

// seedScript stores the ceiling and window length, and starts a window only
// if the model has none yet.
// KEYS[1] = model hash key
// ARGV[1] = ceiling
// ARGV[2] = window length (millis)
// ARGV[3] = now (unix millis)
var seedScript = goredis.NewScript(`
local key = KEYS[1]
redis.call("HSET", key, "ceiling", ARGV[1], "window_ms", ARGV[2])
redis.call("HSETNX", key, "start_ms", ARGV[3])
redis.call("HSETNX", key, "used", "0")
return 1
`)

// SetCeiling configures the ceiling and window length for a model.
// An existing window keeps its start and usage.
func (l *Ledger) SetCeiling(model string, ceiling int64, length time.Duration) error {
	if length <= 0 {
		length = stockify.DefaultQuotaWindow
	}

	_, err := seedScript.Run(context.Background(), l.client,
		[]string{l.modelKey(model)},
		ceiling, length.Milliseconds(), l.now().UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("stockify/redis: set ceiling: %w", err)
	}
	return nil
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
