package stockify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrRateLimited      = errors.New("stockify: rate limited by upstream")
	ErrUnavailable      = errors.New("stockify: upstream unavailable")
	ErrInvalid          = errors.New("stockify: invalid input")
	ErrUnauthorized     = errors.New("stockify: unauthorized")
	ErrQuotaExceeded    = errors.New("stockify: quota exceeded")
	ErrCancelled        = errors.New("stockify: batch cancelled")
	ErrBatchAborted     = errors.New("stockify: batch aborted")
	ErrRetriesExhausted = errors.New("stockify: retries exhausted")
	ErrJobNotFound      = errors.New("stockify: job not found")
	ErrUnknownModel     = errors.New("stockify: unknown model")
	ErrEmptyBatch       = errors.New("stockify: batch has no images")
)

// InferenceError is returned by InferenceClient implementations. Err is one
// of the inference sentinels; RetryAfter is the server-suggested delay, if any.
type InferenceError struct {
	Err        error
	Model      string
	RetryAfter time.Duration
	Detail     string
}

func (e *InferenceError) Error() string {
	msg := fmt.Sprintf("%v (model=%s", e.Err, e.Model)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry_after=%s", e.RetryAfter)
	}
	msg += ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// QuotaError is the terminal reason for a task denied by the ledger.
type QuotaError struct {
	Model   string
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("stockify: quota exceeded for model %s (resets at %s)", e.Model, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// RetryAfter extracts a server-suggested retry delay from err.
func RetryAfter(err error) (time.Duration, bool) {
	var ie *InferenceError
	if errors.As(err, &ie) && ie.RetryAfter > 0 {
		return ie.RetryAfter, true
	}
	return 0, false
}

// ErrorKind names a failure in terms of the pipeline's error taxonomy.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindRateLimited      ErrorKind = "rate_limited"
	KindUnavailable      ErrorKind = "unavailable"
	KindInvalid          ErrorKind = "invalid"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindCancelled        ErrorKind = "cancelled"
	KindAborted          ErrorKind = "aborted"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
)

// Kind maps err to its ErrorKind. Batch-level reasons take precedence over
// the underlying call error they wrap.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrBatchAborted):
		return KindAborted
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindUnavailable
	}
}

// IsTerminal returns true if retrying err cannot change the outcome.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsRetryable returns true if err may succeed on a later attempt.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}
