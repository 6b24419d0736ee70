package stockify

import "time"

// RetryClass is the outcome of classifying a failed call.
type RetryClass int

const (
	Retryable RetryClass = iota
	Terminal
)

func (c RetryClass) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// RetryPolicy decides whether and when a failed call is retried.
type RetryPolicy interface {
	// Classify reports whether err is worth retrying.
	Classify(err error) RetryClass

	// Delay returns how long to wait before the next attempt, given the
	// number of attempts made so far and the error of the last one.
	Delay(attempt int, err error) time.Duration

	// MaxAttempts is the total number of attempts allowed per task.
	MaxAttempts() int
}
